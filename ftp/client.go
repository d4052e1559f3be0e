package ftp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/ArduPilot/MethodicConfigurator-sub006/gap"
	"github.com/ArduPilot/MethodicConfigurator-sub006/session"
	"github.com/ArduPilot/MethodicConfigurator-sub006/sink"
	"github.com/ArduPilot/MethodicConfigurator-sub006/transport"
)

// ErrPathNotASCII indicates a remote path that does not encode as ASCII.
var ErrPathNotASCII = errors.New("remote path is not ASCII")

// ErrPathTooLong indicates a remote path that does not fit in a single
// request payload.
var ErrPathTooLong = errors.New("remote path exceeds maximum payload size")

// ErrNilSink indicates a download started without a destination.
var ErrNilSink = errors.New("nil sink")

// ErrTransferTerminated is the failure signal delivered to the
// completion callback when a transfer ends without completing.
var ErrTransferTerminated = errors.New("transfer terminated")

// ErrOpenRefused indicates the remote rejected the file open request.
var ErrOpenRefused = errors.New("remote refused to open file")

// ErrFileSizeChanged indicates the byte count at completion disagrees
// with the size the remote announced when the file was opened.
var ErrFileSizeChanged = errors.New("remote file size changed during transfer")

// CompleteFunc receives the outcome of a transfer: the completed sink
// and a nil error on success, or a nil sink and a non-nil error on
// failure. It runs synchronously inside the engine; it must not call
// back into the engine.
type CompleteFunc func(s sink.Sink, err error)

// Client is the transfer engine. It drives the open, burst-read,
// gap-fill, finish state machine for one download at a time; starting a
// new download implicitly terminates any prior one.
//
// The engine is callback/poll-driven and creates no goroutines or
// timers. Inbound frames go to HandleFrame; the caller's scheduling
// loop must invoke Tick at a steady cadence for gap filling to make
// progress. Neither may be called reentrantly from a completion
// callback.
type Client struct {
	mu       sync.Mutex
	settings Settings
	send     transport.SendFunc
	session  *session.Tracker
	gaps     *gap.Tracker
	clock    TimeProvider
	lossDraw func() float64

	// State of the active transfer. Reset to defaults on terminate.
	active          bool
	remotePath      string
	dest            sink.Sink
	complete        CompleteFunc
	burstSize       uint8
	offset          uint32
	lastOp          *transport.Packet
	reachedEOF      bool
	remoteSize      uint32
	remoteSizeKnown bool
	duplicates      uint32
	bytesWritten    uint64
	openRetries     int
	readsSent       uint32
}

// New creates an engine that emits frames through send.
func New(settings Settings, send transport.SendFunc) *Client {
	s := settings.clamped()

	logrus.WithFields(logrus.Fields{
		"function":        "New",
		"burst_read_size": s.BurstReadSize,
		"max_backlog":     s.MaxBacklog,
		"retry_time":      s.RetryTime,
		"send_interval":   s.SendInterval,
	}).Info("Creating file-transfer client")

	return &Client{
		settings:  s,
		send:      send,
		session:   session.NewTracker(),
		gaps:      gap.NewTracker(),
		clock:     DefaultTimeProvider{},
		lossDraw:  rand.Float64,
		burstSize: s.BurstReadSize,
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (c *Client) SetTimeProvider(tp TimeProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = tp
}

// StartDownload begins downloading remotePath into s. Any prior
// transfer is terminated first (its callback receives a failure
// signal). The engine owns s until completion or termination; on
// success ownership passes to the completion callback.
func (c *Client) StartDownload(remotePath string, s sink.Sink, complete CompleteFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s == nil {
		return ErrNilSink
	}
	if len(remotePath) > transport.MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPathTooLong, len(remotePath))
	}
	for i := 0; i < len(remotePath); i++ {
		if remotePath[i] > unicode.MaxASCII {
			return fmt.Errorf("%w: %q", ErrPathNotASCII, remotePath)
		}
	}

	c.terminateLocked(ErrTransferTerminated)

	logrus.WithFields(logrus.Fields{
		"function": "StartDownload",
		"path":     remotePath,
		"session":  c.session.Current(),
	}).Info("Starting download")

	c.active = true
	c.remotePath = remotePath
	c.dest = s
	c.complete = complete

	c.sendPacket(c.newRequest(transport.OpOpenFileRO, uint8(len(remotePath)), 0, []byte(remotePath)))
	return nil
}

// DownloadToFile downloads remotePath into a local file. Failure to
// create the local file is reported immediately, before any protocol
// traffic.
func (c *Client) DownloadToFile(remotePath, localPath string, complete CompleteFunc) error {
	s, err := sink.Create(localPath)
	if err != nil {
		return err
	}
	if err := c.StartDownload(remotePath, s, complete); err != nil {
		_ = s.Close()
		return err
	}
	return nil
}

// HandleFrame is the single inbound entry point. It decodes the frame,
// drops replies from stale sessions, and dispatches on the opcode the
// reply answers. Delivery order is the processing order; the engine
// imposes no reordering of its own.
func (c *Client) HandleFrame(frame []byte) {
	pkt, err := transport.ParseFrame(frame)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleFrame",
			"error":    err.Error(),
		}).Error("Dropping undecodable frame")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.session.Belongs(pkt) {
		logrus.WithFields(logrus.Fields{
			"function":        "HandleFrame",
			"packet_session":  pkt.Session,
			"current_session": c.session.Current(),
			"request_opcode":  pkt.RequestOpcode.String(),
		}).Debug("Dropping reply from stale session")
		return
	}

	switch pkt.RequestOpcode {
	case transport.OpOpenFileRO:
		c.handleOpenReply(pkt)
	case transport.OpBurstReadFile:
		c.handleBurstReply(pkt)
	case transport.OpReadFile:
		c.handleReadReply(pkt)
	case transport.OpTerminateSession, transport.OpResetSessions:
		logrus.WithFields(logrus.Fields{
			"function":       "HandleFrame",
			"request_opcode": pkt.RequestOpcode.String(),
			"opcode":         pkt.Opcode.String(),
		}).Debug("Session housekeeping reply")
	default:
		logrus.WithFields(logrus.Fields{
			"function":       "HandleFrame",
			"request_opcode": pkt.RequestOpcode.String(),
		}).Warn("Reply to an unexpected request opcode")
	}
}

// Tick runs one pass of the gap retry policy. Callers invoke it at a
// steady cadence from their own scheduling loop; the engine performs no
// autonomous timing.
func (c *Client) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return
	}
	c.gaps.Tick(now, c.reachedEOF, c.policy(), c.sendGapRead)
}

// Terminate ends any in-progress transfer, signalling failure to its
// completion callback. Safe to call when idle; the session identifier
// advances either way so stale replies are recognized.
func (c *Client) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminateLocked(ErrTransferTerminated)
}

// ResetRemoteSessions asks the remote to drop all of its sessions.
// Useful to recover a wedged remote before starting a fresh download.
func (c *Client) ResetRemoteSessions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendPacket(c.newRequest(transport.OpResetSessions, 0, 0, nil))
}

// handleOpenReply processes the reply to OpenFileRO.
func (c *Client) handleOpenReply(pkt *transport.Packet) {
	if !c.active {
		return
	}

	if pkt.IsAck() {
		// The remote announces the file size in the ack payload.
		if len(pkt.Payload) >= 4 {
			c.remoteSize = binary.LittleEndian.Uint32(pkt.Payload[:4])
			c.remoteSizeKnown = true
		}

		logrus.WithFields(logrus.Fields{
			"function":    "handleOpenReply",
			"path":        c.remotePath,
			"remote_size": c.remoteSize,
		}).Info("Remote file opened, starting burst read")

		c.sendPacket(c.newRequest(transport.OpBurstReadFile, c.burstSize, 0, nil))
		return
	}

	code := pkt.NackCode()
	if c.openRetries < c.settings.MaxOpenRetries {
		c.openRetries++
		logrus.WithFields(logrus.Fields{
			"function": "handleOpenReply",
			"path":     c.remotePath,
			"code":     code.String(),
			"attempt":  c.openRetries,
		}).Warn("Open refused, retrying")
		c.sendPacket(c.newRequest(transport.OpOpenFileRO, uint8(len(c.remotePath)), 0, []byte(c.remotePath)))
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleOpenReply",
		"path":     c.remotePath,
		"code":     code.String(),
	}).Error("Remote refused to open file")
	c.terminateLocked(fmt.Errorf("%w: %s", ErrOpenRefused, code))
}

// handleBurstReply reconciles one burst-read reply against the cursor
// and the tracked gaps. This is the core of in-order/out-of-order
// handling.
func (c *Client) handleBurstReply(pkt *transport.Packet) {
	if !c.active || c.dest == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleBurstReply",
		}).Warn("Burst reply with no transfer in progress")
		return
	}

	if c.settings.PacketLossRX > 0 && c.lossDraw()*100 < c.settings.PacketLossRX {
		logrus.WithFields(logrus.Fields{
			"function": "handleBurstReply",
			"offset":   pkt.Offset,
		}).Debug("Simulating dropped burst packet")
		return
	}

	if len(pkt.Payload) > int(c.burstSize) {
		// The remote is not honoring the size hint; accept its framing
		// for the remainder of the transfer.
		logrus.WithFields(logrus.Fields{
			"function":   "handleBurstReply",
			"payload":    len(pkt.Payload),
			"burst_size": c.burstSize,
		}).Warn("Remote ignores burst size hint, widening to protocol maximum")
		c.burstSize = transport.MaxPayload
	}

	if pkt.IsAck() {
		if !c.applyPayload(pkt) {
			return
		}

		if !pkt.BurstComplete {
			return
		}

		n := len(pkt.Payload)
		if n > 0 && n < int(c.burstSize) {
			// Short terminal packet: the stream has delivered the tail
			// of the file.
			c.markEOF()
			if !c.attemptFinishLocked() {
				c.gapTick()
			}
			return
		}

		// Mid-stream burst boundary: continue the stream where this
		// burst left off.
		if c.lastOp != nil {
			more := *c.lastOp
			more.Offset = pkt.Offset + uint32(n)
			c.sendPacket(&more)
		}
		return
	}

	code := pkt.NackCode()
	switch code {
	case transport.ErrCodeEndOfFile, transport.ErrCodeNone:
		if !c.reachedEOF && pkt.Offset > c.offset {
			// The tail of the final burst was lost in transit. Take no
			// terminal action; gap fill recovers the missing bytes and
			// a later reply confirms EOF.
			logrus.WithFields(logrus.Fields{
				"function":    "handleBurstReply",
				"nack_offset": pkt.Offset,
				"cursor":      c.offset,
			}).Debug("EOF nack ahead of cursor, awaiting retransmission")
			return
		}
		c.markEOF()
		if !c.attemptFinishLocked() {
			c.gapTick()
		}
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleBurstReply",
			"code":     code.String(),
			"offset":   pkt.Offset,
		}).Warn("Burst read nack")
	}
}

// handleReadReply processes replies to standalone gap-fill reads. The
// reconciliation matches the burst path without burst-boundary
// handling.
func (c *Client) handleReadReply(pkt *transport.Packet) {
	if !c.active || c.dest == nil {
		return
	}

	if pkt.IsAck() {
		if !c.applyPayload(pkt) {
			return
		}
		if !c.attemptFinishLocked() {
			c.gapTick()
		}
		return
	}

	code := pkt.NackCode()
	switch code {
	case transport.ErrCodeEndOfFile, transport.ErrCodeNone:
		c.markEOF()
		if !c.attemptFinishLocked() {
			c.gapTick()
		}
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleReadReply",
			"code":     code.String(),
			"offset":   pkt.Offset,
		}).Warn("Gap read nack")
	}
}

// applyPayload writes an ack's payload relative to the cursor:
// in-order data advances the cursor, data below it resolves a tracked
// gap or counts as a duplicate, data above it registers the skipped
// region as gaps. Returns false if a sink failure terminated the
// transfer.
func (c *Client) applyPayload(pkt *transport.Packet) bool {
	n := uint32(len(pkt.Payload))

	switch {
	case pkt.Offset == c.offset:
		if !c.writeAt(pkt.Payload, pkt.Offset) {
			return false
		}
		c.offset += n

	case pkt.Offset < c.offset:
		if n > 0 && c.gaps.Resolve(pkt.Offset, uint8(n)) {
			// Filling a hole behind the cursor; the cursor stays put.
			if !c.writeAt(pkt.Payload, pkt.Offset) {
				return false
			}
		} else {
			c.duplicates++
			logrus.WithFields(logrus.Fields{
				"function":   "applyPayload",
				"offset":     pkt.Offset,
				"size":       n,
				"cursor":     c.offset,
				"duplicates": c.duplicates,
			}).Debug("Discarding duplicate data")
		}

	default: // pkt.Offset > c.offset
		c.gaps.Register(c.offset, pkt.Offset-c.offset, c.burstSize)
		logrus.WithFields(logrus.Fields{
			"function": "applyPayload",
			"from":     c.offset,
			"to":       pkt.Offset,
			"gaps":     c.gaps.Len(),
		}).Debug("Forward gap detected")
		if !c.writeAt(pkt.Payload, pkt.Offset) {
			return false
		}
		c.offset = pkt.Offset + n
	}

	return true
}

// writeAt writes p into the sink at the absolute offset off. A sink
// failure is a local I/O error and terminates the transfer.
func (c *Client) writeAt(p []byte, off uint32) bool {
	if len(p) == 0 {
		return true
	}
	if _, err := c.dest.WriteAt(p, int64(off)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeAt",
			"offset":   off,
			"error":    err.Error(),
		}).Error("Sink write failed")
		c.terminateLocked(fmt.Errorf("sink write at %d: %w", off, err))
		return false
	}
	c.bytesWritten += uint64(len(p))
	return true
}

// markEOF records that the remote has confirmed end of file. Logged
// once, with the gap count at that moment.
func (c *Client) markEOF() {
	if c.reachedEOF {
		return
	}
	c.reachedEOF = true
	logrus.WithFields(logrus.Fields{
		"function":   "markEOF",
		"path":       c.remotePath,
		"cursor":     c.offset,
		"gaps":       c.gaps.Len(),
		"duplicates": c.duplicates,
	}).Info("Reached end of file")
}

// attemptFinishLocked completes the transfer iff EOF has been confirmed
// and no gaps remain. On success the sink is handed to the completion
// callback and the session is terminated. Reports whether the transfer
// reached a terminal state.
func (c *Client) attemptFinishLocked() bool {
	if !c.reachedEOF || c.gaps.Len() > 0 {
		return false
	}

	if c.remoteSizeKnown && c.offset != c.remoteSize {
		logrus.WithFields(logrus.Fields{
			"function":      "attemptFinishLocked",
			"path":          c.remotePath,
			"bytes":         c.offset,
			"expected_size": c.remoteSize,
		}).Error("Assembled size disagrees with the size announced at open")
		c.terminateLocked(ErrFileSizeChanged)
		return true
	}

	logrus.WithFields(logrus.Fields{
		"function":   "attemptFinishLocked",
		"path":       c.remotePath,
		"bytes":      c.bytesWritten,
		"duplicates": c.duplicates,
	}).Info("Download complete")

	dest := c.dest
	cb := c.complete
	c.dest = nil
	c.complete = nil

	c.terminateLocked(nil)

	if cb != nil {
		cb(dest, nil)
	}
	return true
}

// terminateLocked ends the active transfer, advances the session so
// stale replies are recognized, and resets all transfer state. If a
// transfer was in progress its callback receives reason as the failure
// signal.
func (c *Client) terminateLocked(reason error) {
	wasActive := c.active

	if wasActive {
		// Tell the remote to drop its side of the session before the
		// identifier advances.
		c.sendPacket(c.newRequest(transport.OpTerminateSession, 0, 0, nil))
		logrus.WithFields(logrus.Fields{
			"function": "terminateLocked",
			"path":     c.remotePath,
			"session":  c.session.Current(),
		}).Info("Terminating transfer")
	}

	c.session.Advance()
	c.gaps.Clear()

	c.active = false
	c.remotePath = ""
	c.burstSize = c.settings.BurstReadSize
	c.offset = 0
	c.lastOp = nil
	c.reachedEOF = false
	c.remoteSize = 0
	c.remoteSizeKnown = false
	c.duplicates = 0
	c.bytesWritten = 0
	c.openRetries = 0
	c.readsSent = 0

	if c.dest != nil {
		if err := c.dest.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "terminateLocked",
				"error":    err.Error(),
			}).Warn("Failed to close sink")
		}
		c.dest = nil
	}

	cb := c.complete
	c.complete = nil
	if wasActive && cb != nil {
		if reason == nil {
			reason = ErrTransferTerminated
		}
		cb(nil, reason)
	}
}

// gapTick runs one retry-policy pass with the engine's own clock, used
// right after EOF is reached to get the first gap reads out without
// waiting for the caller's next Tick.
func (c *Client) gapTick() {
	c.gaps.Tick(c.clock.Now(), c.reachedEOF, c.policy(), c.sendGapRead)
}

func (c *Client) policy() gap.Policy {
	return gap.Policy{
		RetryTime:    c.settings.RetryTime,
		MaxBacklog:   c.settings.MaxBacklog,
		SendInterval: c.settings.SendInterval,
	}
}

// sendGapRead issues a single read request for a missing range.
func (c *Client) sendGapRead(g gap.Range) {
	c.readsSent++
	logrus.WithFields(logrus.Fields{
		"function": "sendGapRead",
		"offset":   g.Offset,
		"size":     g.Size,
		"backlog":  c.gaps.Backlog(),
	}).Debug("Requesting missing range")
	c.sendPacket(c.newRequest(transport.OpReadFile, g.Size, g.Offset, nil))
}

// newRequest builds an outgoing request for the current session. The
// sequence number is stamped at send time, not here.
func (c *Client) newRequest(op transport.Opcode, size uint8, offset uint32, payload []byte) *transport.Packet {
	return &transport.Packet{
		Session: c.session.Current(),
		Opcode:  op,
		Size:    size,
		Offset:  offset,
		Payload: payload,
	}
}

// sendPacket stamps the next sequence number, encodes and emits the
// request, and remembers it as the last sent operation so a burst
// boundary can re-issue it at an advanced offset. Stamping here keeps
// the sequence advancing on every send, re-issued operations included.
func (c *Client) sendPacket(p *transport.Packet) {
	p.Sequence = c.session.NextSequence()
	c.lastOp = p
	if c.send == nil {
		return
	}
	if err := c.send(p.MarshalFrame()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendPacket",
			"opcode":   p.Opcode.String(),
			"error":    err.Error(),
		}).Warn("Transport send failed")
	}
}

// Active reports whether a transfer is in progress.
func (c *Client) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// ReachedEOF reports whether the remote has confirmed end of file for
// the active transfer.
func (c *Client) ReachedEOF() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reachedEOF
}

// Duplicates returns the count of discarded duplicate payloads.
func (c *Client) Duplicates() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duplicates
}

// BytesWritten returns the total bytes written into the sink.
func (c *Client) BytesWritten() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesWritten
}

// GapCount returns the number of byte ranges currently known missing.
func (c *Client) GapCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gaps.Len()
}

// Backlog returns the count of gap-read requests believed in flight.
func (c *Client) Backlog() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gaps.Backlog()
}

// BurstSize returns the burst payload size currently in effect.
func (c *Client) BurstSize() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.burstSize
}

// ReadsSent returns the number of gap-read requests issued during the
// active transfer.
func (c *Client) ReadsSent() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readsSent
}
