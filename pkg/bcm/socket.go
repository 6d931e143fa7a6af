package bcm

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/canflux/cancore/pkg/can"
	"github.com/canflux/cancore/pkg/registry"
)

// Socket is one BCM socket: a bind to exactly one device, and the set of TX
// and RX ops that socket owns. One mutex serializes every user request and
// every expiring timer on this socket, matching the single-threaded
// per-socket semantics of the original engine.
type Socket struct {
	mu sync.Mutex

	reg    *registry.Registry
	logger *slog.Logger
	out    chan Message

	bound   bool
	ifindex int
	dev     registry.Device

	txOps []*Op
	rxOps []*Op

	droppedUsrMsgs uint64
}

// outQueueDepth bounds the engine-to-client notification queue, mirroring
// the finite receive queue a real BCM socket backs onto.
const outQueueDepth = 64

// NewSocket builds an unbound socket against reg. Out delivers every
// engine-generated notification (TX_EXPIRED, RX_CHANGED, RX_TIMEOUT) to the
// caller; replies to *_READ are returned by Handle instead. A client that falls behind sees messages
// dropped rather than the engine stalling, matching bcm_send_to_user's
// behavior against a full receive queue.
func NewSocket(reg *registry.Registry) *Socket {
	return &Socket{
		reg:    reg,
		logger: slog.Default().With("service", "[BCM]"),
		out:    make(chan Message, outQueueDepth),
	}
}

// Out returns the channel engine notifications are delivered on.
func (s *Socket) Out() <-chan Message { return s.out }

// DroppedMessages returns the count of notifications dropped because Out's
// queue was full.
func (s *Socket) DroppedMessages() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedUsrMsgs
}

// Bind attaches the socket to ifindex. A socket may only be bound once,
// mirroring bcm_connect's rejection of a second connect() on the same fd.
func (s *Socket) Bind(ifindex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound {
		return ErrAlreadyBound
	}
	dev, ok := s.reg.DeviceByIndex(ifindex)
	if !ok {
		return fmt.Errorf("%w: ifindex %d", ErrNoDevice, ifindex)
	}
	s.bound = true
	s.ifindex = ifindex
	s.dev = dev
	return nil
}

// Close tears down every TX and RX op on the socket, mirroring bcm_release:
// timers stopped, RX subscriptions unregistered.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.txOps {
		stopTimer(op.timer)
	}
	for _, op := range s.rxOps {
		stopTimer(op.timer)
		stopTimer(op.thrTimer)
		if op.sub != nil {
			s.reg.Unregister(op.sub)
		}
	}
	s.txOps = nil
	s.rxOps = nil
	return nil
}

// send delivers msg to Out without blocking; a full queue means the client
// isn't keeping up, so the message is dropped and counted instead of
// stalling the socket's own mutex-holding goroutine.
func (s *Socket) send(msg Message) {
	select {
	case s.out <- msg:
	default:
		s.droppedUsrMsgs++
		s.logger.Warn("dropping message, client not keeping up", "opcode", msg.Opcode.String())
	}
}

// Handle dispatches one client request, exactly as bcm_sendmsg's opcode
// switch does, and returns a synchronous reply when the opcode has one
// (TX_READ, RX_READ). Asynchronous notifications (TX_EXPIRED, RX_CHANGED,
// RX_TIMEOUT) are delivered later through Out.
func (s *Socket) Handle(msg Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.bound {
		return nil, ErrNotBound
	}

	switch msg.Opcode {
	case TxSetup:
		return nil, s.txSetup(msg)
	case TxDelete:
		return nil, s.txDelete(msg.CanID)
	case TxRead:
		return s.txRead(msg.CanID)
	case TxSend:
		return nil, s.txSend(msg)
	case RxSetup:
		return nil, s.rxSetup(msg)
	case RxDelete:
		return nil, s.rxDelete(msg.CanID)
	case RxRead:
		return s.rxRead(msg.CanID)
	default:
		return nil, fmt.Errorf("%w: opcode %s", ErrInvalidArgument, msg.Opcode)
	}
}

func (s *Socket) findTxOp(canID uint32) *Op {
	for _, op := range s.txOps {
		if op.canID == canID {
			return op
		}
	}
	return nil
}

func (s *Socket) findRxOp(canID uint32) *Op {
	for _, op := range s.rxOps {
		if op.canID == canID {
			return op
		}
	}
	return nil
}

func removeTxOp(ops []*Op, canID uint32) []*Op {
	for i, op := range ops {
		if op.canID == canID {
			return append(ops[:i], ops[i+1:]...)
		}
	}
	return ops
}

// ---- TX ----

// txSetup creates or replaces the TX op for msg.CanID, mirroring
// bcm_tx_setup: an existing op is updated in place (its timer is always
// reset), a new one is appended. An existing op cannot grow past its
// original frame count; growth is rejected with ErrTooLarge.
func (s *Socket) txSetup(msg Message) error {
	if len(msg.Frames) == 0 {
		return fmt.Errorf("%w: TX_SETUP needs at least one frame", ErrInvalidArgument)
	}

	op := s.findTxOp(msg.CanID)
	if op == nil {
		op = &Op{dir: TX, canID: msg.CanID, ifindex: s.ifindex}
		s.txOps = append(s.txOps, op)
	} else {
		if len(msg.Frames) > op.nframes {
			return ErrTooLarge
		}
		stopTimer(op.timer)
	}

	op.flags = msg.Flags
	op.nframes = len(msg.Frames)
	op.frames = append([]can.Frame(nil), msg.Frames...)
	op.currFrame = 0
	op.ival1 = msg.Ival1
	op.ival2 = msg.Ival2
	op.count = msg.Count

	if op.flags.Has(TxAnnounce) {
		s.bcmCanTx(op)
	}

	switch {
	case op.count > 0 && op.ival1 > 0:
		op.timer = time.AfterFunc(op.ival1, func() { s.txTimeoutHandler(op) })
	case op.ival2 > 0:
		op.timer = time.AfterFunc(op.ival2, func() { s.txTimeoutHandler(op) })
	}
	return nil
}

// sendFrame hands frame to the registry with loopback requested. s.mu is
// released first: loopback delivery runs synchronously inside Send, and if
// it lands on one of this same socket's own RX ops it re-enters through
// bcmRxHandlerEntry, which locks s.mu itself. Holding the lock across Send
// would deadlock a socket that listens for the id it also transmits.
func (s *Socket) sendFrame(frame can.Frame) error {
	s.mu.Unlock()
	defer s.mu.Lock()
	return s.reg.Send(s.dev, frame, true, s)
}

// bcmCanTx sends the current frame of a cyclic TX op and advances to the
// next one, looping back to zero once past the last frame (multiplexed
// cyclic TX). Loopback is always requested, matching bcm_can_tx's
// unconditional can_send(skb, 1).
func (s *Socket) bcmCanTx(op *Op) {
	frame := op.frames[op.currFrame]
	if op.flags.Has(TxCpCanID) {
		frame.ID = op.canID
	}
	if err := s.sendFrame(frame); err != nil {
		s.logger.Warn("tx op send failed", "can_id", op.canID, "err", err)
	}
	op.framesAbs++
	op.currFrame++
	if op.currFrame >= op.nframes {
		op.currFrame = 0
	}
}

// txTimeoutHandler fires on ival1 (count>0) then ival2 (count==0), mirroring
// bcm_tx_timeout_handler: each ival1 tick decrements count and reschedules at
// ival1 until it reaches zero, optionally announcing TX_EXPIRED, then
// switches to the steady ival2 cadence.
func (s *Socket) txTimeoutHandler(op *Op) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if op.count > 0 {
		op.count--
		if op.count == 0 && op.flags.Has(TxCountEvt) {
			s.send(Message{Opcode: TxExpired, Flags: op.flags, CanID: op.canID})
		}
	}

	if op.count > 0 {
		op.timer = time.AfterFunc(op.ival1, func() { s.txTimeoutHandler(op) })
	} else if op.ival2 > 0 {
		op.timer = time.AfterFunc(op.ival2, func() { s.txTimeoutHandler(op) })
	}

	s.bcmCanTx(op)
}

func (s *Socket) txDelete(canID uint32) error {
	op := s.findTxOp(canID)
	if op == nil {
		return ErrNotFound
	}
	stopTimer(op.timer)
	s.txOps = removeTxOp(s.txOps, canID)
	return nil
}

func (s *Socket) txRead(canID uint32) (*Message, error) {
	op := s.findTxOp(canID)
	if op == nil {
		return nil, ErrNotFound
	}
	reply := Message{
		Opcode: TxStatus,
		Flags:  op.flags,
		Count:  op.count,
		Ival1:  op.ival1,
		Ival2:  op.ival2,
		CanID:  op.canID,
		Frames: append([]can.Frame(nil), op.frames...),
	}
	return &reply, nil
}

// txSend transmits msg's frames once, immediately, without creating or
// touching any stored op, matching the bare TX_SEND opcode.
func (s *Socket) txSend(msg Message) error {
	for _, frame := range msg.Frames {
		if err := s.sendFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

// ---- RX ----

// rxSetup creates or updates the RX op for msg.CanID, mirroring bcm_rx_setup.
// RX_FILTER_ID (or zero frames) degenerates to identifier-only filtering. An
// existing op cannot grow past its original frame count; growth is rejected
// with ErrTooLarge exactly as the kernel refuses to realloc a live rx_op.
func (s *Socket) rxSetup(msg Message) error {
	nframes := len(msg.Frames)
	filterOnly := msg.Flags.Has(RxFilterID) || nframes == 0

	if msg.Flags.Has(RxRTRFrame) {
		if nframes != 1 || !msg.Frames[0].IsRTR() {
			return fmt.Errorf("%w: RX_RTR_FRAME needs exactly one RTR frame", ErrInvalidArgument)
		}
	}

	op := s.findRxOp(msg.CanID)
	if op != nil {
		if !filterOnly && nframes > op.nframes {
			return ErrTooLarge
		}
		stopTimer(op.timer)
		stopTimer(op.thrTimer)
	} else {
		op = &Op{dir: RX, canID: msg.CanID, ifindex: s.ifindex}
		s.rxOps = append(s.rxOps, op)
	}

	op.flags = msg.Flags
	op.ival1 = msg.Ival1
	op.ival2 = msg.Ival2
	op.jLastMsg = time.Time{}

	if filterOnly {
		op.nframes = 0
		op.frames = nil
		op.lastFrames = nil
	} else {
		op.nframes = nframes
		op.frames = append([]can.Frame(nil), msg.Frames...)
		op.lastFrames = make([]can.Frame, nframes)
	}

	if op.sub == nil {
		sub, err := s.reg.Register(s.dev, op.canID, regMask(op.canID), s.bcmRxHandlerEntry, op, "bcm-rx")
		if err != nil {
			return err
		}
		op.sub = sub
	}

	if op.flags.Has(StartTimer) && op.ival1 > 0 {
		op.timer = time.AfterFunc(op.ival1, func() { s.rxTimeoutHandler(op) })
	}
	return nil
}

// bcmRxHandlerEntry adapts the registry.HandlerFunc signature to the RX op
// it was registered with; it recovers the owning socket's lock before
// touching any Op state.
func (s *Socket) bcmRxHandlerEntry(frame can.Frame, dev registry.Device, data any, origin any) {
	op := data.(*Op)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bcmRxHandler(op, frame, dev)
}

// bcmRxHandler dispatches a matched inbound frame to one RX op, mirroring
// bcm_rx_handler: the receive-deadline timer is reset first, then the frame
// is reported as-is (identifier-only op), handled by an RTR-reply op, or
// compared for change. An RTR-reply op hands its stored frames to the client
// as RX_CHANGED; it does not transmit a reply frame on the bus.
func (s *Socket) bcmRxHandler(op *Op, frame can.Frame, dev registry.Device) {
	if op.canID != frame.ID {
		return
	}

	stopTimer(op.timer)
	if !op.flags.Has(RxNoAutoTimer) && op.ival1 > 0 {
		op.timer = time.AfterFunc(op.ival1, func() { s.rxTimeoutHandler(op) })
	}

	op.rxStamp = time.Now()
	if dev != nil {
		op.rxIfindex = dev.Index()
	}
	op.framesAbs++

	if op.nframes == 0 {
		// identifier-only filter: every matching frame is reported immediately.
		s.send(Message{Opcode: RxChanged, Flags: op.flags, CanID: op.canID, Frames: []can.Frame{frame}})
		return
	}

	if op.flags.Has(RxRTRFrame) {
		s.send(Message{Opcode: RxChanged, Flags: op.flags, CanID: op.canID, Frames: op.frames})
		return
	}

	if op.nframes == 1 {
		s.bcmRxCmpToIndex(op, 0, frame)
		return
	}

	// multiplexed RX: frames[0] carries the mux mask, slot is selected by
	// masking the inbound payload's leading bytes against it.
	muxMask := data64(op.frames[0])
	for i := 1; i < op.nframes; i++ {
		if data64(op.frames[i])&muxMask == data64(frame)&muxMask {
			s.bcmRxCmpToIndex(op, i, frame)
			return
		}
	}
}

// bcmRxCmpToIndex compares frame against the stored slot under the slot's
// configured care-mask (frames[idx], left untouched for the life of the op),
// notifying on the first-ever frame for that slot (dlcRecv not yet set) or
// whenever the masked payload (and, if RX_CHECK_DLC is set, the length)
// changed, mirroring bcm_rx_cmp_to_index.
func (s *Socket) bcmRxCmpToIndex(op *Op, idx int, frame can.Frame) {
	last := op.lastFrames[idx]
	firstTime := last.DLC&dlcRecv == 0
	mask := data64(op.frames[idx])

	changed := firstTime || data64(frame)&mask != data64(last)&mask
	if !changed && op.flags.Has(RxCheckDLC) {
		changed = frame.Length() != int(last.DLC&dlcMask)
	}

	stored := frame
	stored.DLC = frame.DLC&dlcMask | dlcRecv
	op.lastFrames[idx] = stored

	if !changed {
		return
	}
	s.bcmRxUpdateAndSend(op, idx)
}

// bcmRxUpdateAndSend throttles a detected change through ival2: if a
// throttle window is already running for this op, or less than ival2 has
// elapsed since the last notification, the change is marked pending and left
// for rxThrHandler; otherwise it is reported immediately.
func (s *Socket) bcmRxUpdateAndSend(op *Op, idx int) {
	if op.ival2 == 0 {
		s.bcmRxChanged(op, idx)
		return
	}

	now := time.Now()
	if op.thrTimer != nil || now.Before(op.jLastMsg.Add(op.ival2)) {
		op.lastFrames[idx].DLC |= dlcThrottle
		if op.thrTimer == nil {
			delay := op.ival2
			if wait := op.jLastMsg.Add(op.ival2).Sub(now); wait > 0 {
				delay = wait
			}
			op.thrTimer = time.AfterFunc(delay, func() { s.rxThrHandler(op) })
		}
		return
	}
	s.bcmRxChanged(op, idx)
}

// bcmRxChanged reports one changed slot to the client, carrying the frame
// last stored for that slot with the private DLC bits cleared, and rearms
// the ival2 bookkeeping, mirroring bcm_rx_changed. framesFiltered/framesAbs
// are reset together once framesFiltered approaches overflow (above
// MaxUint64/100), matching the original's own periodic reset rather than
// letting either counter wrap independently.
func (s *Socket) bcmRxChanged(op *Op, idx int) {
	op.jLastMsg = time.Now()
	op.framesFiltered++
	if op.framesFiltered > math.MaxUint64/100 {
		op.framesFiltered = 0
		op.framesAbs = 0
	}

	frame := op.lastFrames[idx]
	frame.DLC &= dlcMask
	s.send(Message{Opcode: RxChanged, Flags: op.flags, CanID: op.canID, Frames: []can.Frame{frame}})
}

// rxTimeoutHandler fires when ival1 elapses with no matching frame, mirroring
// bcm_rx_timeout_handler. RX_ANNOUNCE_RESUME clears every stored slot so the
// next arriving frame is treated as the first one again.
func (s *Socket) rxTimeoutHandler(op *Op) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.send(Message{Opcode: RxTimeout, Flags: op.flags, CanID: op.canID})

	if op.flags.Has(RxAnnounceResume) {
		for i := range op.lastFrames {
			op.lastFrames[i] = can.Frame{}
		}
	}
}

// rxThrHandler releases every slot whose change is pending behind the
// throttle window, mirroring bcm_rx_thr_handler: a single-frame op has at
// most slot 0 pending, a multiplex op may have several. Identifier-only ops
// are never throttled: bcmRxHandler reports each of their frames at once.
func (s *Socket) rxThrHandler(op *Op) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op.thrTimer = nil
	start := 0
	if op.nframes > 1 {
		start = 1
	}
	for i := start; i < op.nframes; i++ {
		if op.lastFrames[i].DLC&dlcThrottle != 0 {
			op.lastFrames[i].DLC &^= dlcThrottle
			s.bcmRxChanged(op, i)
		}
	}
}

func removeRxOp(ops []*Op, canID uint32) []*Op {
	for i, op := range ops {
		if op.canID == canID {
			return append(ops[:i], ops[i+1:]...)
		}
	}
	return ops
}

func (s *Socket) rxDelete(canID uint32) error {
	op := s.findRxOp(canID)
	if op == nil {
		return ErrNotFound
	}
	stopTimer(op.timer)
	stopTimer(op.thrTimer)
	if op.sub != nil {
		s.reg.Unregister(op.sub)
	}
	s.rxOps = removeRxOp(s.rxOps, canID)
	return nil
}

func (s *Socket) rxRead(canID uint32) (*Message, error) {
	op := s.findRxOp(canID)
	if op == nil {
		return nil, ErrNotFound
	}
	reply := Message{
		Opcode: RxStatus,
		Flags:  op.flags,
		Ival1:  op.ival1,
		Ival2:  op.ival2,
		CanID:  op.canID,
		Frames: append([]can.Frame(nil), op.frames...),
	}
	return &reply, nil
}
