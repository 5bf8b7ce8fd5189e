package peerstore

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/bsv-infra/p2pcore/errs"
)

// peerFile is the JSON document shape pinned by §6: a textual JSON array
// of peer objects wrapped in a "peers" field.
type peerFile struct {
	Peers []peerRecord `json:"peers"`
}

type banReasonRecord struct {
	Kind            string `json:"kind"`
	ExpectedNetwork string `json:"expected_network,omitempty"`
	GotNetwork      string `json:"got_network,omitempty"`
	GotChain        string `json:"got_chain,omitempty"`
	Pattern         string `json:"pattern,omitempty"`
}

type peerRecord struct {
	ID              string           `json:"id"`
	IP              string           `json:"ip"`
	Port            uint16           `json:"port"`
	Status          string           `json:"status"`
	StatusTimestamp time.Time        `json:"status_timestamp"`
	BanReason       *banReasonRecord `json:"ban_reason"`

	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	Services    uint64    `json:"services,omitempty"`
}

func statusToString(s Status) string {
	switch s {
	case StatusValid:
		return "Valid"
	case StatusInaccessible:
		return "Inaccessible"
	case StatusBanned:
		return "Banned"
	default:
		return "Unknown"
	}
}

func statusFromString(s string) Status {
	switch s {
	case "Valid":
		return StatusValid
	case "Inaccessible":
		return StatusInaccessible
	case "Banned":
		return StatusBanned
	default:
		// unknown fields/values are tolerated (§4.1): anything
		// unrecognized degrades to Unknown rather than failing load.
		return StatusUnknown
	}
}

func banKindToString(k BanReasonKind) string {
	switch k {
	case BanNetworkMismatch:
		return "NetworkMismatch"
	case BanChainMismatch:
		return "ChainMismatch"
	case BanUserAgent:
		return "BannedUserAgent"
	default:
		return ""
	}
}

func banKindFromString(s string) BanReasonKind {
	switch s {
	case "NetworkMismatch":
		return BanNetworkMismatch
	case "ChainMismatch":
		return BanChainMismatch
	case "BannedUserAgent":
		return BanUserAgent
	default:
		return BanNone
	}
}

func toRecord(p Peer) peerRecord {
	rec := peerRecord{
		ID:              p.ID.String(),
		IP:              p.Endpoint.IP.String(),
		Port:            p.Endpoint.Port,
		Status:          statusToString(p.Status),
		StatusTimestamp: p.StatusTimestamp,
		LastAttempt:     p.LastAttempt,
		LastSuccess:     p.LastSuccess,
		UserAgent:       p.UserAgent,
		Services:        p.Services,
	}
	if p.Status == StatusBanned && p.BanReason.Kind != BanNone {
		rec.BanReason = &banReasonRecord{
			Kind:            banKindToString(p.BanReason.Kind),
			ExpectedNetwork: p.BanReason.ExpectedNetwork,
			GotNetwork:      p.BanReason.GotNetwork,
			GotChain:        p.BanReason.GotChain,
			Pattern:         p.BanReason.Pattern,
		}
	}
	return rec
}

func fromRecord(rec peerRecord) (Peer, error) {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return Peer{}, fmt.Errorf("%w: bad peer id %q: %v", errs.ErrPeerStore, rec.ID, err)
	}
	ip := net.ParseIP(rec.IP)
	if ip == nil {
		return Peer{}, fmt.Errorf("%w: bad peer ip %q", errs.ErrPeerStore, rec.IP)
	}

	p := Peer{
		ID:              id,
		Endpoint:        Endpoint{IP: ip, Port: rec.Port},
		Status:          statusFromString(rec.Status),
		StatusTimestamp: rec.StatusTimestamp,
		LastAttempt:     rec.LastAttempt,
		LastSuccess:     rec.LastSuccess,
		UserAgent:       rec.UserAgent,
		Services:        rec.Services,
	}
	if rec.BanReason != nil {
		p.BanReason = BanReason{
			Kind:            banKindFromString(rec.BanReason.Kind),
			ExpectedNetwork: rec.BanReason.ExpectedNetwork,
			GotNetwork:      rec.BanReason.GotNetwork,
			GotChain:        rec.BanReason.GotChain,
			Pattern:         rec.BanReason.Pattern,
		}
	}
	return p, nil
}

// Save writes a crash-atomic snapshot of the primary index: marshal to a
// temporary sibling file, fsync, then rename over the target (§4.1). A
// Store configured with no path is a no-op, matching a memory-only
// repository.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}

	s.mtx.Lock()
	records := make([]peerRecord, 0, len(s.byID))
	for _, p := range s.byID {
		records = append(records, toRecord(p))
	}
	s.mtx.Unlock()

	doc := peerFile{Peers: records}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", errs.ErrPeerStore, err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp snapshot: %v", errs.ErrPeerStore, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write temp snapshot: %v", errs.ErrPeerStore, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: fsync temp snapshot: %v", errs.ErrPeerStore, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close temp snapshot: %v", errs.ErrPeerStore, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename temp snapshot: %v", errs.ErrPeerStore, err)
	}
	return nil
}

// Load populates a fresh Store from the JSON peer file at path. A missing
// file is equivalent to an empty repository; a corrupt file yields
// ErrPeerStore and the caller (Supervisor.Start) MUST refuse to start
// (§4.1, §7).
func Load(path string) (*Store, error) {
	return LoadWithClock(path, clock.NewDefaultClock())
}

// LoadWithClock is Load with an injectable clock, for deterministic tests.
func LoadWithClock(path string, c clock.Clock) (*Store, error) {
	store := NewStoreWithClock(path, c)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrPeerStore, path, err)
	}

	var doc peerFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", errs.ErrPeerStore, path, err)
	}

	for _, rec := range doc.Peers {
		p, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		store.byID[p.ID] = p
		store.byEndpoint[p.Endpoint.Key()] = p.ID
		store.counts[p.Status]++
	}

	return store, nil
}
