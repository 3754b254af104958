package tracker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/seedbit/swarm/internal/decoder"
	"github.com/seedbit/swarm/internal/shared/models"
)

// BEP 15 magic constant establishing a connection with a UDP tracker.
const udpProtocolID = 0x41727101980

const (
	udpActionConnect  = 0
	udpActionAnnounce = 1
)

var udpEventCodes = map[string]uint32{
	"":          0,
	"completed": 1,
	"started":   2,
	"stopped":   3,
}

const udpTimeout = 15 * time.Second

type UDPAnnouncer struct{}

func NewUDPAnnouncer() Announcer {
	return UDPAnnouncer{}
}

var ErrShortUDPReply = errors.New("tracker: short udp reply")

func (u UDPAnnouncer) Announce(announce string, req AnnounceRequest) (AnnounceResponse, error) {
	tracker, err := url.Parse(announce)
	if err != nil {
		return AnnounceResponse{}, err
	}

	trackerPort, err := strconv.Atoi(tracker.Port())
	if err != nil {
		return AnnounceResponse{}, err
	}

	ips, err := net.LookupIP(tracker.Hostname())
	if err != nil {
		return AnnounceResponse{}, err
	}

	raddr := net.UDPAddr{IP: ips[0], Port: trackerPort}
	conn, err := net.DialUDP("udp", nil, &raddr)
	if err != nil {
		return AnnounceResponse{}, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(udpTimeout))

	transactionID := rand.Uint32()

	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:], udpProtocolID)
	binary.BigEndian.PutUint32(buf[8:], udpActionConnect)
	binary.BigEndian.PutUint32(buf[12:], transactionID)

	if _, err = conn.Write(buf); err != nil {
		return AnnounceResponse{}, err
	}

	resp, err := decoder.ReadBytes(conn, 16)
	if err != nil {
		return AnnounceResponse{}, err
	}
	if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return AnnounceResponse{}, fmt.Errorf("tracker: connect transaction id mismatch")
	}
	connectionID := binary.BigEndian.Uint64(resp[8:])

	const numWant = 100
	buf = make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connectionID)
	binary.BigEndian.PutUint32(buf[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], []byte(req.PeerID))
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], udpEventCodes[req.Event])
	binary.BigEndian.PutUint32(buf[84:88], 0) // ip: let the tracker use the packet source
	binary.BigEndian.PutUint32(buf[88:92], rand.Uint32())
	binary.BigEndian.PutUint32(buf[92:96], numWant)
	binary.BigEndian.PutUint16(buf[96:98], uint16(req.Port))

	if _, err = conn.Write(buf); err != nil {
		return AnnounceResponse{}, err
	}

	buf = make([]byte, 20+numWant*6)
	read, err := conn.Read(buf)
	if err != nil {
		return AnnounceResponse{}, err
	}
	if read < 20 {
		return AnnounceResponse{}, ErrShortUDPReply
	}
	if action := binary.BigEndian.Uint32(buf[0:4]); action != udpActionAnnounce {
		return AnnounceResponse{}, fmt.Errorf("tracker: unexpected announce action %d", action)
	}
	if binary.BigEndian.Uint32(buf[4:8]) != transactionID {
		return AnnounceResponse{}, fmt.Errorf("tracker: announce transaction id mismatch")
	}

	interval := binary.BigEndian.Uint32(buf[8:12])

	peerData := buf[20:read]
	if len(peerData)%6 != 0 {
		return AnnounceResponse{}, ErrTruncatedPeerList
	}

	peers := make([]models.Addr, 0, len(peerData)/6)
	for i := 0; i+6 <= len(peerData); i += 6 {
		addr := models.Addr{}
		if err := addr.ReadFromBytes(peerData[i : i+6]); err != nil {
			return AnnounceResponse{}, err
		}
		peers = append(peers, addr)
	}

	return AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Peers:    peers,
	}, nil
}
