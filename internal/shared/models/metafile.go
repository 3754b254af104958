package models

type Metafile struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         Info       `bencode:"info"`
	InfoHash     Hash       `bencode:"-"`
}

type Info struct {
	Name         string `bencode:"name"`
	Length       int    `bencode:"length"`
	PieceLength  int    `bencode:"piece length"`
	Pieces       string `bencode:"pieces"`
	PiecesHashes []Hash `bencode:"-"`
	Files        []File `bencode:"files,omitempty"`
}

type File struct {
	Length int      `bencode:"length"`
	Path   []string `bencode:"path"`
}

func (m Metafile) NumPieces() int {
	return len(m.Info.PiecesHashes)
}

func (m Metafile) TotalLength() int {
	if m.Info.Length > 0 {
		return m.Info.Length
	}
	total := 0
	for _, file := range m.Info.Files {
		total += file.Length
	}
	return total
}

// PieceSize returns the real byte length of a piece, accounting for the
// truncated final piece.
func (m Metafile) PieceSize(index int) int {
	left := m.TotalLength() - index*m.Info.PieceLength
	return min(left, m.Info.PieceLength)
}

// AnnounceURLs flattens the primary announce URL and the announce-list into a
// deduplicated slice, primary first.
func (m Metafile) AnnounceURLs() []string {
	urls := make([]string, 0, 1)
	seen := make(map[string]struct{})
	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	add(m.Announce)
	for _, tier := range m.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return urls
}
