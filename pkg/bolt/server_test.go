package bolt

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicbolt/pkg/config"
	"github.com/orneryd/nornicbolt/pkg/packstream"
)

func testBoltConfig() config.BoltConfig {
	return config.BoltConfig{
		Workers:       2,
		LowWatermark:  1,
		HighWatermark: 8,
		MaxBatchSize:  4,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testBoltConfig(), newTestEnv(t).spi, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// testClient speaks Bolt v1 over one end of a pipe.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, s *Server) *testClient {
	t.Helper()
	client, server := net.Pipe()
	go s.ServeConn(server)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.SetDeadline(time.Now().Add(10*time.Second)))
	return &testClient{t: t, conn: client, r: bufio.NewReader(client)}
}

func (c *testClient) handshake(versions ...uint32) uint32 {
	c.t.Helper()
	buf := make([]byte, 20)
	binary.BigEndian.PutUint32(buf, Magic)
	for i, v := range versions {
		binary.BigEndian.PutUint32(buf[4+i*4:], v)
	}
	_, err := c.conn.Write(buf)
	require.NoError(c.t, err)
	var reply [4]byte
	_, err = io.ReadFull(c.r, reply[:])
	require.NoError(c.t, err)
	return binary.BigEndian.Uint32(reply[:])
}

func (c *testClient) send(msg Message) {
	c.t.Helper()
	w := newChunkWriter(c.conn, 0)
	require.NoError(c.t, w.writeMessage(EncodeMessage(msg)))
	require.NoError(c.t, w.flush())
}

func (c *testClient) receive() packstream.Structure {
	c.t.Helper()
	data, err := readMessage(c.r, 0)
	require.NoError(c.t, err)
	v, err := packstream.Unmarshal(data)
	require.NoError(c.t, err)
	return v.(packstream.Structure)
}

func (c *testClient) expect(tag byte) map[string]any {
	c.t.Helper()
	s := c.receive()
	require.Equal(c.t, tag, s.Tag, "fields: %v", s.Fields)
	if len(s.Fields) == 0 {
		return nil
	}
	meta, _ := s.Fields[0].(map[string]any)
	return meta
}

func TestHandshake(t *testing.T) {
	s := newTestServer(t)

	c := dial(t, s)
	assert.Equal(t, uint32(1), c.handshake(3, 2, 1, 0))

	c = dial(t, s)
	assert.Equal(t, uint32(0), c.handshake(4, 3, 2, 0))
}

func TestHandshake_BadMagic(t *testing.T) {
	var in [20]byte
	binary.BigEndian.PutUint32(in[:], 0xDEADBEEF)
	client, server := net.Pipe()
	defer client.Close()
	go func() { _, _ = client.Write(in[:]) }()
	err := handshake(server, server)
	assert.ErrorIs(t, err, ErrInvalidHandshake)
}

func TestServer_EndToEnd(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)
	require.Equal(t, uint32(1), c.handshake(1))

	c.send(initMsg())
	meta := c.expect(MsgSuccess)
	assert.Equal(t, DefaultVersion, meta["server"])

	c.send(RunMessage{Statement: "CREATE NODE :Person SET name = $name", Params: map[string]any{"name": "alice"}})
	meta = c.expect(MsgSuccess)
	assert.Equal(t, []any{"node"}, meta["fields"])

	c.send(PullAllMessage{})
	record := c.receive()
	require.Equal(t, MsgRecord, record.Tag)
	node := record.Fields[0].([]any)[0].(packstream.Structure)
	assert.Equal(t, byte(0x4E), node.Tag)
	assert.Equal(t, []any{"Person"}, node.Fields[1])
	assert.Equal(t, map[string]any{"name": "alice"}, node.Fields[2])
	meta = c.expect(MsgSuccess)
	assert.Equal(t, FormatBookmark(1), meta["bookmark"])
	assert.Equal(t, "rw", meta["type"])

	c.send(RunMessage{Statement: "NOT A STATEMENT"})
	meta = c.expect(MsgFailure)
	assert.Equal(t, StatusSyntaxError.Code, meta["code"])
	c.send(PullAllMessage{})
	c.expect(MsgIgnored)
	c.send(AckFailureMessage{})
	c.expect(MsgSuccess)

	c.send(RunMessage{Statement: "RETURN 1 AS one"})
	c.expect(MsgSuccess)
	c.send(DiscardAllMessage{})
	c.expect(MsgSuccess)
}

func TestServer_ResetRollsBackTransaction(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)
	require.Equal(t, uint32(1), c.handshake(1))
	c.send(initMsg())
	c.expect(MsgSuccess)

	c.send(RunMessage{Statement: "BEGIN"})
	c.expect(MsgSuccess)
	c.send(PullAllMessage{})
	c.expect(MsgSuccess)

	c.send(ResetMessage{})
	c.expect(MsgSuccess)

	c.send(RunMessage{Statement: "COMMIT"})
	meta := c.expect(MsgFailure)
	assert.Equal(t, StatusSemanticError.Code, meta["code"])
}

func TestServer_ProtocolBreachClosesConnection(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)
	require.Equal(t, uint32(1), c.handshake(1))

	c.send(RunMessage{Statement: "RETURN 1"})
	meta := c.expect(MsgFailure)
	assert.Equal(t, StatusRequestInvalid.Code, meta["code"])

	_, err := readMessage(c.r, 0)
	assert.Error(t, err)
}

func TestServer_MalformedMessage(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)
	require.Equal(t, uint32(1), c.handshake(1))
	c.send(initMsg())
	c.expect(MsgSuccess)

	w := newChunkWriter(c.conn, 0)
	require.NoError(t, w.writeMessage(packstream.AppendStructure(nil, packstream.Structure{Tag: MsgRun, Fields: []any{int64(1), nil}})))
	require.NoError(t, w.flush())
	meta := c.expect(MsgFailure)
	assert.Equal(t, StatusRequestInvalidFormat.Code, meta["code"])

	c.send(ResetMessage{})
	c.expect(MsgSuccess)
	c.send(RunMessage{Statement: "RETURN 1"})
	c.expect(MsgSuccess)
}

func TestNew_InvalidWatermarks(t *testing.T) {
	cfg := testBoltConfig()
	cfg.LowWatermark = 8
	_, err := New(cfg, newTestEnv(t).spi, nil)
	assert.ErrorIs(t, err, ErrInvalidWatermarks)
}

func TestServer_ListenAndClose(t *testing.T) {
	s := newTestServer(t)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.Serve(listener) }()

	require.Eventually(t, func() bool { return s.Addr() != nil }, 5*time.Second, time.Millisecond)
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	require.Equal(t, uint32(1), c.handshake(1))
	c.send(initMsg())
	c.expect(MsgSuccess)

	require.NoError(t, s.Close())
	assert.NoError(t, <-served)
	assert.True(t, s.IsClosed())

	_, err = readMessage(c.r, 0)
	assert.Error(t, err)
	assert.ErrorIs(t, s.Serve(listener), ErrServerClosed)
}
