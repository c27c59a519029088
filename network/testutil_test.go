package network

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	appcrypto "lanwarp/crypto"
	"lanwarp/models"
)

const testGroupCode = "test-group"

func testIdentity(t *testing.T, name string) *appcrypto.Identity {
	t.Helper()

	certPEM, keyPEM, err := appcrypto.GenerateIdentityPEM(name)
	require.NoError(t, err)
	identity, err := appcrypto.NewIdentity(certPEM, keyPEM)
	require.NoError(t, err)
	return identity
}

// memoryStore is an in-memory CertificateStore that counts saves.
type memoryStore struct {
	mu    sync.Mutex
	certs map[string][]byte
	saves int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{certs: make(map[string][]byte)}
}

func (s *memoryStore) SaveCertificate(peerUUID string, certPEM []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs[peerUUID] = append([]byte(nil), certPEM...)
	s.saves++
	return nil
}

func (s *memoryStore) Certificate(peerUUID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cert, ok := s.certs[peerUUID]
	if !ok {
		return nil, ErrCertificateUnavailable
	}
	return cert, nil
}

func (s *memoryStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// fakeWarp is a scriptable Warp server.
type fakeWarp struct {
	info      RemoteMachineInfo
	infoErr   error
	avatar    [][]byte
	avatarErr error

	// duplexAfter is the first probe answered true; zero never answers true.
	duplexAfter int
	// duplexDelay holds each probe until it elapses or the caller gives up.
	duplexDelay time.Duration
	duplexCalls atomic.Int32
	duplexMu    sync.Mutex
	duplexTimes []time.Time

	chunks []FileChunk
	// chunkErr ends the stream after chunks are sent.
	chunkErr error
	// holdStream keeps the stream open after chunks until the caller goes away.
	holdStream      bool
	streamCancelled chan struct{}

	opRequests     chan *TransferOpRequest
	cancelRequests chan *OpInfo
	stopRequests   chan *StopInfo
}

func newFakeWarp() *fakeWarp {
	return &fakeWarp{
		info:            RemoteMachineInfo{DisplayName: "Peer B", UserName: "bob"},
		duplexAfter:     1,
		streamCancelled: make(chan struct{}, 16),
		opRequests:      make(chan *TransferOpRequest, 4),
		cancelRequests:  make(chan *OpInfo, 4),
		stopRequests:    make(chan *StopInfo, 4),
	}
}

func (f *fakeWarp) GetRemoteMachineInfo(context.Context, *LookupName) (*RemoteMachineInfo, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	info := f.info
	return &info, nil
}

func (f *fakeWarp) GetRemoteMachineAvatar(_ *LookupName, sender AvatarSender) error {
	for _, piece := range f.avatar {
		if err := sender.Send(&RemoteMachineAvatar{AvatarChunk: piece}); err != nil {
			return err
		}
	}
	return f.avatarErr
}

func (f *fakeWarp) CheckDuplexConnection(ctx context.Context, _ *LookupName) (*HaveDuplex, error) {
	n := f.duplexCalls.Add(1)
	f.duplexMu.Lock()
	f.duplexTimes = append(f.duplexTimes, time.Now())
	f.duplexMu.Unlock()
	if f.duplexDelay > 0 {
		select {
		case <-time.After(f.duplexDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &HaveDuplex{Response: f.duplexAfter > 0 && int(n) >= f.duplexAfter}, nil
}

func (f *fakeWarp) probeTimes() []time.Time {
	f.duplexMu.Lock()
	defer f.duplexMu.Unlock()
	return append([]time.Time(nil), f.duplexTimes...)
}

func (f *fakeWarp) ProcessTransferOpRequest(_ context.Context, req *TransferOpRequest) (*VoidType, error) {
	f.opRequests <- req
	return &VoidType{}, nil
}

func (f *fakeWarp) StartTransfer(_ *OpInfo, sender ChunkSender) error {
	for i := range f.chunks {
		if err := sender.Send(&f.chunks[i]); err != nil {
			return err
		}
	}
	if f.holdStream {
		<-sender.Context().Done()
		f.streamCancelled <- struct{}{}
		return sender.Context().Err()
	}
	return f.chunkErr
}

func (f *fakeWarp) CancelTransferOpRequest(_ context.Context, info *OpInfo) (*VoidType, error) {
	f.cancelRequests <- info
	return &VoidType{}, nil
}

func (f *fakeWarp) StopTransfer(_ context.Context, info *StopInfo) (*VoidType, error) {
	f.stopRequests <- info
	return &VoidType{}, nil
}

// testPeer is a remote host: a Warp server plus its certificate server.
type testPeer struct {
	uuid     string
	identity *appcrypto.Identity
	server   *Server
	certs    *CertServer
}

func startTestPeer(t *testing.T, service WarpServer) *testPeer {
	t.Helper()
	identity := testIdentity(t, "peer-b")
	return startTestPeerWithCertificate(t, service, identity, identity.CertificatePEM)
}

// startTestPeerWithCertificate serves advertisedPEM over bootstrap regardless of the TLS identity.
func startTestPeerWithCertificate(t *testing.T, service WarpServer, identity *appcrypto.Identity, advertisedPEM []byte) *testPeer {
	t.Helper()

	server, err := Listen("127.0.0.1:0", ServerOptions{
		Identity: identity,
		Service:  service,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = server.Close()
	})

	boxed, err := appcrypto.SealCertificate(testGroupCode, advertisedPEM)
	require.NoError(t, err)
	certs, err := ListenCertServer("127.0.0.1:0", boxed, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = certs.Close()
	})

	return &testPeer{
		uuid:     "peer-b",
		identity: identity,
		server:   server,
		certs:    certs,
	}
}

func (p *testPeer) seed() RemoteSeed {
	return RemoteSeed{
		ServiceName: p.uuid,
		Hostname:    "peer-b-host",
		Address:     net.IPv4(127, 0, 0, 1),
		Port:        p.server.Addr().(*net.TCPAddr).Port,
		AuthPort:    p.certs.Addr().(*net.UDPAddr).Port,
	}
}

// recordingObserver collects every notification.
type recordingObserver struct {
	mu        sync.Mutex
	infos     []models.RemoteInfo
	transfers chan Transfer
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{transfers: make(chan Transfer, 16)}
}

func (o *recordingObserver) RemoteChanged(info models.RemoteInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.infos = append(o.infos, info)
}

func (o *recordingObserver) TransferChanged(_ string, transfer Transfer) {
	o.transfers <- transfer
}

func (o *recordingObserver) statuses() []models.RemoteStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.RemoteStatus, 0, len(o.infos))
	for _, info := range o.infos {
		out = append(out, info.Status)
	}
	return out
}

func testRemoteOptions(t *testing.T, store CertificateStore, observer Observer) RemoteOptions {
	t.Helper()

	dispatcher := NewDispatcher(8, nil)
	t.Cleanup(dispatcher.Close)

	return RemoteOptions{
		Local: LocalInfo{
			UUID:        "peer-a",
			DisplayName: "Peer A",
			UserName:    "alice",
			GroupCode:   testGroupCode,
			Identity:    testIdentity(t, "peer-a"),
		},
		Store:             store,
		Observer:          observer,
		Dispatcher:        dispatcher,
		BootstrapAttempts: 3,
		BootstrapTimeout:  200 * time.Millisecond,
		BootstrapInterval: 20 * time.Millisecond,
		DuplexAttempts:    10,
		DuplexInterval:    20 * time.Millisecond,
		DuplexCallTimeout: time.Second,
		DialTimeout:       2 * time.Second,
		CallTimeout:       2 * time.Second,
	}
}

func waitForStatus(t *testing.T, remote *Remote, want models.RemoteStatus, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		return remote.Status() == want
	}, timeout, 5*time.Millisecond, "remote never reached %s (last %s, err %v)", want, remote.Status(), remote.LastError())
}

// connectedRemote returns a remote already CONNECTED to peer.
func connectedRemote(t *testing.T, peer *testPeer, observer Observer) *Remote {
	t.Helper()

	remote, err := NewRemote(peer.seed(), testRemoteOptions(t, newMemoryStore(), observer))
	require.NoError(t, err)
	t.Cleanup(remote.Disconnect)

	require.NoError(t, remote.Connect())
	waitForStatus(t, remote, models.RemoteConnected, 5*time.Second)
	return remote
}

func testPNG(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	img.Set(1, 1, color.RGBA{B: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fakeTransfer records what the receive loop does with it.
type fakeTransfer struct {
	startTime int64
	offer     models.TransferOffer
	// stopAt is the first chunk rejected; zero accepts everything.
	stopAt int

	mu       sync.Mutex
	status   models.TransferStatus
	chunks   []models.FileChunk
	finished chan struct{}
	stopped  chan struct{}
}

func newFakeTransfer(startTime int64) *fakeTransfer {
	return &fakeTransfer{
		startTime: startTime,
		status:    models.TransferTransferring,
		finished:  make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

func (f *fakeTransfer) StartTime() int64 {
	return f.startTime
}

func (f *fakeTransfer) Offer() models.TransferOffer {
	return f.offer
}

func (f *fakeTransfer) Status() models.TransferStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTransfer) SetStatus(status models.TransferStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeTransfer) ReceiveChunk(chunk models.FileChunk) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
	if f.stopAt > 0 && len(f.chunks) >= f.stopAt {
		close(f.stopped)
		return false
	}
	return true
}

func (f *fakeTransfer) FinishReceive() {
	close(f.finished)
}

func (f *fakeTransfer) received() []models.FileChunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.FileChunk(nil), f.chunks...)
}

func numberedChunks(n int) []FileChunk {
	chunks := make([]FileChunk, n)
	for i := range chunks {
		chunks[i] = FileChunk{
			RelativePath: "dir/file.bin",
			Chunk:        []byte{byte(i)},
			Time:         int64(i),
		}
	}
	return chunks
}

// channelOf reads the remote's channel regardless of status.
func channelOf(remote *Remote) *Channel {
	remote.mu.RLock()
	defer remote.mu.RUnlock()
	return remote.channel
}
