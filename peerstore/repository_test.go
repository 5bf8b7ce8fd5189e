package peerstore

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/bsv-infra/p2pcore/errs"
)

func ep(ip string, port uint16) Endpoint {
	return Endpoint{IP: net.ParseIP(ip), Port: port}
}

func TestCreateDuplicateEndpointFails(t *testing.T) {
	s := NewStore("")

	_, err := s.Create(Peer{Endpoint: ep("127.0.0.1", 18333)})
	require.NoError(t, err)

	_, err = s.Create(Peer{Endpoint: ep("127.0.0.1", 18333)})
	require.ErrorIs(t, err, errs.ErrDuplicatePeer)
}

func TestUpdateNotFound(t *testing.T) {
	s := NewStore("")
	err := s.Update(Peer{Endpoint: ep("127.0.0.1", 1)})
	require.Error(t, err)
}

func TestDeleteAbsentIsNotFound(t *testing.T) {
	s := NewStore("")
	p, err := s.Create(Peer{Endpoint: ep("10.0.0.1", 8333)})
	require.NoError(t, err)

	require.NoError(t, s.Delete(p.ID))
	err = s.Delete(p.ID)
	require.Error(t, err)
}

func TestCountByStatusTracksTransitions(t *testing.T) {
	s := NewStore("")
	p, err := s.Create(Peer{Endpoint: ep("10.0.0.2", 8333)})
	require.NoError(t, err)
	require.Equal(t, 1, s.CountByStatus(StatusUnknown))

	p.Status = StatusValid
	require.NoError(t, s.Update(p))
	require.Equal(t, 0, s.CountByStatus(StatusUnknown))
	require.Equal(t, 1, s.CountByStatus(StatusValid))
}

func TestStatusTimestampStrictlyAdvances(t *testing.T) {
	fc := clock.NewTestClock(time.Unix(0, 0))
	s := NewStoreWithClock("", fc)

	p, err := s.Create(Peer{Endpoint: ep("10.0.0.3", 8333)})
	require.NoError(t, err)
	first := p.StatusTimestamp

	// Clock does not advance between transitions; Update must still
	// strictly advance status_timestamp (§8 invariant).
	p.Status = StatusValid
	require.NoError(t, s.Update(p))
	p, err = s.Read(p.ID)
	require.NoError(t, err)
	require.True(t, p.StatusTimestamp.After(first))
}

func TestReinsertAfterDeleteMatchesFirstInsert(t *testing.T) {
	s := NewStore("")
	e := ep("10.0.0.4", 8333)

	p1, err := s.Create(Peer{Endpoint: e})
	require.NoError(t, err)
	require.NoError(t, s.Delete(p1.ID))

	p2, err := s.Create(Peer{Endpoint: e})
	require.NoError(t, err)

	got, ok := s.FindByEndpoint(e)
	require.True(t, ok)
	require.Equal(t, p2.ID, got.ID)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.json")

	s := NewStore(path)
	a, err := s.Create(Peer{Endpoint: ep("1.2.3.4", 8333)})
	require.NoError(t, err)
	a.Status = StatusBanned
	a.BanReason = BanReason{
		Kind:            BanNetworkMismatch,
		ExpectedNetwork: "mainnet",
		GotNetwork:      "testnet",
	}
	require.NoError(t, s.Update(a))

	_, err = s.Create(Peer{Endpoint: ep("5.6.7.8", 8333)})
	require.NoError(t, err)

	require.NoError(t, s.Save())

	loaded, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, len(s.ListAll()), len(loaded.ListAll()))
	banned := loaded.FindByStatus(StatusBanned)
	require.Len(t, banned, 1)
	require.Equal(t, BanNetworkMismatch, banned[0].BanReason.Kind)
}

func TestLoadMissingFileIsEmptyRepository(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(filepath.Join(dir, "does-not-exist.json"))
	require.NoError(t, err)
	require.Empty(t, s.ListAll())
}

func TestLoadCorruptFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
