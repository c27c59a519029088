package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"lanwarp/models"
)

func TestRemoteConnectsAndFetchesMetadata(t *testing.T) {
	service := newFakeWarp()
	avatar := testPNG(t)
	service.avatar = [][]byte{avatar[:len(avatar)/2], avatar[len(avatar)/2:]}
	peer := startTestPeer(t, service)

	store := newMemoryStore()
	observer := newRecordingObserver()
	remote, err := NewRemote(peer.seed(), testRemoteOptions(t, store, observer))
	require.NoError(t, err)
	defer remote.Disconnect()
	require.Equal(t, models.RemoteDisconnected, remote.Status())

	require.NoError(t, remote.Connect())
	waitForStatus(t, remote, models.RemoteConnected, 5*time.Second)

	require.Equal(t, []models.RemoteStatus{
		models.RemoteConnecting,
		models.RemoteAwaitingDuplex,
		models.RemoteConnected,
	}, observer.statuses())

	info := remote.Info()
	require.Equal(t, "Peer B", info.DisplayName)
	require.Equal(t, "bob", info.UserName)
	require.True(t, info.HasAvatar)
	require.Equal(t, 2, remote.Avatar().Bounds().Dx())
	require.NotNil(t, channelOf(remote))

	require.Equal(t, 1, store.saveCount(), "certificate must be stored exactly once")
	stored, err := store.Certificate(peer.uuid)
	require.NoError(t, err)
	require.Equal(t, peer.identity.CertificatePEM, stored)
}

func TestRemoteDuplexSucceedsOnFifthProbe(t *testing.T) {
	service := newFakeWarp()
	service.duplexAfter = 5
	peer := startTestPeer(t, service)

	opts := testRemoteOptions(t, newMemoryStore(), nil)
	opts.DuplexInterval = 40 * time.Millisecond
	remote, err := NewRemote(peer.seed(), opts)
	require.NoError(t, err)
	defer remote.Disconnect()

	require.NoError(t, remote.Connect())
	waitForStatus(t, remote, models.RemoteConnected, 5*time.Second)

	times := service.probeTimes()
	require.Len(t, times, 5)
	require.GreaterOrEqual(t, times[4].Sub(times[0]), 7*opts.DuplexInterval/2)

	time.Sleep(3 * opts.DuplexInterval)
	require.Equal(t, int32(5), service.duplexCalls.Load(), "probing must stop after success")
}

func TestRemoteDuplexTimeout(t *testing.T) {
	service := newFakeWarp()
	service.duplexAfter = 0
	peer := startTestPeer(t, service)

	observer := newRecordingObserver()
	opts := testRemoteOptions(t, newMemoryStore(), observer)
	opts.DuplexInterval = 5 * time.Millisecond
	remote, err := NewRemote(peer.seed(), opts)
	require.NoError(t, err)

	require.NoError(t, remote.Connect())
	waitForStatus(t, remote, models.RemoteError, 5*time.Second)

	require.ErrorIs(t, remote.LastError(), ErrDuplexTimeout)
	require.Equal(t, int32(10), service.duplexCalls.Load())
	require.Nil(t, channelOf(remote), "channel must be released on error")
	require.Equal(t, []models.RemoteStatus{
		models.RemoteConnecting,
		models.RemoteAwaitingDuplex,
		models.RemoteError,
	}, observer.statuses())
}

func TestRemoteDuplexProbesStayWithinInterval(t *testing.T) {
	service := newFakeWarp()
	service.duplexAfter = 0
	service.duplexDelay = 5 * time.Second
	peer := startTestPeer(t, service)

	opts := testRemoteOptions(t, newMemoryStore(), nil)
	opts.DuplexAttempts = 5
	opts.DuplexInterval = 40 * time.Millisecond
	opts.DuplexCallTimeout = 5 * time.Second
	remote, err := NewRemote(peer.seed(), opts)
	require.NoError(t, err)
	defer remote.Disconnect()

	require.NoError(t, remote.Connect())
	waitForStatus(t, remote, models.RemoteAwaitingDuplex, 5*time.Second)
	started := time.Now()
	waitForStatus(t, remote, models.RemoteError, 5*time.Second)

	require.ErrorIs(t, remote.LastError(), ErrDuplexTimeout)
	require.Equal(t, int32(5), service.duplexCalls.Load())
	require.Less(t, time.Since(started), 2*time.Second, "hung probes must not stretch the handshake past attempts times interval")
}

func TestRemoteMetadataFailuresStillConnect(t *testing.T) {
	service := newFakeWarp()
	service.infoErr = status.Error(codes.Internal, "no info")
	service.avatarErr = status.Error(codes.Internal, "no avatar")
	peer := startTestPeer(t, service)

	remote := connectedRemote(t, peer, nil)
	require.Nil(t, remote.Avatar())
	require.Equal(t, "peer-b-host", remote.DisplayName(), "display name falls back to hostname")
	require.Empty(t, remote.Info().UserName)
}

func TestRemoteUndecodableAvatarIsDropped(t *testing.T) {
	service := newFakeWarp()
	service.avatar = [][]byte{[]byte("not an image")}
	peer := startTestPeer(t, service)

	remote := connectedRemote(t, peer, nil)
	require.Nil(t, remote.Avatar())
	require.Equal(t, "Peer B", remote.DisplayName())
}

func TestRemoteBootstrapFailureSettlesOnError(t *testing.T) {
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	peer := startTestPeer(t, newFakeWarp())
	seed := peer.seed()
	seed.AuthPort = silent.LocalAddr().(*net.UDPAddr).Port

	store := newMemoryStore()
	opts := testRemoteOptions(t, store, nil)
	opts.BootstrapTimeout = 30 * time.Millisecond
	remote, err := NewRemote(seed, opts)
	require.NoError(t, err)
	defer remote.Disconnect()

	require.NoError(t, remote.Connect())
	waitForStatus(t, remote, models.RemoteError, 5*time.Second)
	require.ErrorIs(t, remote.LastError(), ErrCertificateUnavailable)
	require.Equal(t, 0, store.saveCount())

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, models.RemoteError, remote.Status(), "ERROR is left only through Connect")

	require.NoError(t, remote.Connect(), "explicit retry from ERROR is allowed")
	waitForStatus(t, remote, models.RemoteError, 5*time.Second)
}

func TestRemoteAuthenticationFailure(t *testing.T) {
	advertised := testIdentity(t, "advertised")
	peer := startTestPeerWithCertificate(t, newFakeWarp(), testIdentity(t, "actual"), advertised.CertificatePEM)

	remote, err := NewRemote(peer.seed(), testRemoteOptions(t, newMemoryStore(), nil))
	require.NoError(t, err)
	defer remote.Disconnect()

	require.NoError(t, remote.Connect())
	waitForStatus(t, remote, models.RemoteError, 5*time.Second)
	require.ErrorIs(t, remote.LastError(), ErrAuthenticationFailed)
}

func TestRemoteConnectGuards(t *testing.T) {
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	peer := startTestPeer(t, newFakeWarp())
	seed := peer.seed()
	seed.AuthPort = silent.LocalAddr().(*net.UDPAddr).Port

	observer := newRecordingObserver()
	opts := testRemoteOptions(t, newMemoryStore(), observer)
	opts.BootstrapTimeout = 5 * time.Second
	remote, err := NewRemote(seed, opts)
	require.NoError(t, err)

	require.NoError(t, remote.Connect())
	require.ErrorIs(t, remote.Connect(), ErrConnectInProgress)

	remote.Disconnect()
	require.Equal(t, models.RemoteDisconnected, remote.Status())

	// The aborted attempt must not write ERROR afterwards.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, models.RemoteDisconnected, remote.Status())
	require.Equal(t, []models.RemoteStatus{
		models.RemoteConnecting,
		models.RemoteDisconnected,
	}, observer.statuses())
}

func TestRemoteDisconnectFromConnected(t *testing.T) {
	peer := startTestPeer(t, newFakeWarp())
	observer := newRecordingObserver()
	remote := connectedRemote(t, peer, observer)
	ch := channelOf(remote)
	require.NotNil(t, ch)

	require.ErrorIs(t, remote.Connect(), ErrAlreadyConnected)

	remote.Disconnect()
	require.Equal(t, models.RemoteDisconnected, remote.Status())
	require.Nil(t, channelOf(remote))
	require.Error(t, ch.Context().Err(), "channel must be closed")

	statuses := observer.statuses()
	require.Equal(t, models.RemoteDisconnected, statuses[len(statuses)-1])

	require.NoError(t, remote.Connect(), "a disconnected remote can connect again")
	waitForStatus(t, remote, models.RemoteConnected, 5*time.Second)
	require.NotSame(t, ch, channelOf(remote), "channels are never reused")
}

func TestCanTransition(t *testing.T) {
	all := []models.RemoteStatus{
		models.RemoteDisconnected,
		models.RemoteConnecting,
		models.RemoteAwaitingDuplex,
		models.RemoteConnected,
		models.RemoteError,
	}
	allowed := map[models.RemoteStatus][]models.RemoteStatus{
		models.RemoteDisconnected:   {models.RemoteConnecting},
		models.RemoteConnecting:     {models.RemoteAwaitingDuplex, models.RemoteError, models.RemoteDisconnected},
		models.RemoteAwaitingDuplex: {models.RemoteConnected, models.RemoteError, models.RemoteDisconnected},
		models.RemoteConnected:      {models.RemoteDisconnected},
		models.RemoteError:          {models.RemoteConnecting, models.RemoteDisconnected},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, candidate := range allowed[from] {
				if candidate == to {
					want = true
				}
			}
			require.Equal(t, want, canTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestNewRemoteValidation(t *testing.T) {
	opts := testRemoteOptions(t, newMemoryStore(), nil)
	good := RemoteSeed{ServiceName: "peer-b", Address: net.IPv4(127, 0, 0, 1), Port: 42000}

	remote, err := NewRemote(good, opts)
	require.NoError(t, err)
	require.Equal(t, 42000, remote.Info().AuthPort, "auth port defaults to the service port")
	require.Equal(t, "peer-b", remote.DisplayName())

	bad := good
	bad.ServiceName = ""
	_, err = NewRemote(bad, opts)
	require.Error(t, err)

	bad = good
	bad.Address = nil
	_, err = NewRemote(bad, opts)
	require.Error(t, err)

	noStore := opts
	noStore.Store = nil
	_, err = NewRemote(good, noStore)
	require.Error(t, err)
}

func TestRemoteCloseReleasesOwnDispatcher(t *testing.T) {
	seed := RemoteSeed{
		ServiceName: "peer-b",
		Address:     net.IPv4(127, 0, 0, 1),
		Port:        42000,
	}

	opts := testRemoteOptions(t, newMemoryStore(), nil)
	opts.Dispatcher = nil
	remote, err := NewRemote(seed, opts)
	require.NoError(t, err)
	owned := remote.opts.Dispatcher
	require.NotNil(t, owned)

	remote.Close()
	require.False(t, owned.Go(func(context.Context) {}), "owned dispatcher must be closed")
	require.NoError(t, remote.Connect())
	require.Equal(t, models.RemoteError, remote.Status())
	require.ErrorIs(t, remote.LastError(), ErrDispatcherClosed)

	shared := testRemoteOptions(t, newMemoryStore(), nil)
	other, err := NewRemote(seed, shared)
	require.NoError(t, err)
	other.Close()
	require.True(t, shared.Dispatcher.Go(func(context.Context) {}), "shared dispatcher must stay open")
}
