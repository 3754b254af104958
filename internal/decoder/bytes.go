package decoder

import "io"

// ReadBytes reads exactly n bytes from r, looping over short reads.
func ReadBytes(r io.Reader, n int) ([]byte, error) {
	result := make([]byte, 0, n)
	remaining := n
	for remaining > 0 {
		buf := make([]byte, remaining)
		read, err := r.Read(buf)
		if err != nil {
			return nil, err
		}

		result = append(result, buf[:read]...)
		remaining -= read
	}

	return result, nil
}
