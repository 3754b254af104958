package tracker

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/seedbit/swarm/internal/shared/models"
)

type HTTPAnnouncer struct {
	client *http.Client
}

func NewHTTPAnnouncer(client *http.Client) Announcer {
	return &HTTPAnnouncer{client: client}
}

func (h *HTTPAnnouncer) Announce(announce string, req AnnounceRequest) (AnnounceResponse, error) {
	tracker, err := url.Parse(announce)
	if err != nil {
		return AnnounceResponse{}, err
	}

	query := tracker.Query()
	query.Add("info_hash", string(req.InfoHash[:]))
	query.Add("peer_id", req.PeerID)
	query.Add("port", strconv.Itoa(req.Port))
	query.Add("uploaded", strconv.Itoa(req.Uploaded))
	query.Add("downloaded", strconv.Itoa(req.Downloaded))
	query.Add("left", strconv.Itoa(req.Left))
	query.Add("compact", "1")
	if req.Event != "" {
		query.Add("event", req.Event)
	}
	tracker.RawQuery = query.Encode()

	response, err := h.client.Get(tracker.String())
	if err != nil {
		return AnnounceResponse{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return AnnounceResponse{}, fmt.Errorf("http error: %s", response.Status)
	}

	return decodeHTTPResponse(response.Body)
}

type announceReply struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

var ErrTruncatedPeerList = errors.New("tracker: compact peer list is not a multiple of 6 bytes")

func decodeHTTPResponse(response io.Reader) (AnnounceResponse, error) {
	reply := announceReply{}
	err := bencode.Unmarshal(response, &reply)
	if err != nil {
		return AnnounceResponse{}, err
	}
	if reply.FailureReason != "" {
		return AnnounceResponse{}, fmt.Errorf("tracker refused announce: %s", reply.FailureReason)
	}

	compact := []byte(reply.Peers)
	if len(compact)%6 != 0 {
		return AnnounceResponse{}, ErrTruncatedPeerList
	}

	peers := make([]models.Addr, 0, len(compact)/6)
	for i := 0; i+6 <= len(compact); i += 6 {
		addr := models.Addr{}
		if err := addr.ReadFromBytes(compact[i : i+6]); err != nil {
			return AnnounceResponse{}, err
		}
		peers = append(peers, addr)
	}

	return AnnounceResponse{
		Interval: time.Duration(reply.Interval) * time.Second,
		Peers:    peers,
	}, nil
}
