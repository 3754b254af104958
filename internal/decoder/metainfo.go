package decoder

import (
	"crypto/sha1"
	"errors"
	"io"
	"strings"

	"github.com/seedbit/swarm/internal/shared/models"
	"github.com/zeebo/bencode"
)

type MetafileDecoder interface {
	Decode(io.Reader) (models.Metafile, error)
}

type decoder struct{}

func NewDecoder() MetafileDecoder {
	return decoder{}
}

var ErrMalformedPieces = errors.New("pieces string is not a multiple of 20 bytes")

// serialization struct that represents the structure of a .torrent file.
// Info is parsed as a RawMessage so the info_hash is computed over the exact
// bytes of the info dictionary, whatever its shape.
type bencodeTorrent struct {
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list"`
	Info         bencode.RawMessage `bencode:"info"`
}

func (decoder) Decode(torrent io.Reader) (models.Metafile, error) {
	var response models.Metafile
	var bt bencodeTorrent
	err := bencode.NewDecoder(torrent).Decode(&bt)
	if err != nil {
		return response, err
	}

	response.Announce = bt.Announce
	response.AnnounceList = bt.AnnounceList
	response.InfoHash = sha1.Sum(bt.Info)
	err = bencode.NewDecoder(strings.NewReader(string(bt.Info))).Decode(&response.Info)
	if err != nil {
		return response, err
	}

	response.Info.PiecesHashes, err = splitPiecesHashes(response.Info.Pieces)
	if err != nil {
		return response, err
	}

	// Normalize single-file torrents into the multi-file representation so
	// downstream consumers deal with one layout only.
	if response.Info.Length > 0 {
		response.Info.Files = []models.File{{Length: response.Info.Length, Path: []string{response.Info.Name}}}
	}

	return response, nil
}

func splitPiecesHashes(pieces string) ([]models.Hash, error) {
	if len(pieces)%20 != 0 {
		return nil, ErrMalformedPieces
	}

	hashes := make([]models.Hash, 0, len(pieces)/20)
	for i := 0; i+20 <= len(pieces); i += 20 {
		hash, err := models.HashFromBytes([]byte(pieces[i : i+20]))
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}

	return hashes, nil
}
