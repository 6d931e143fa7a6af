// Package bcm implements the Broadcast Manager: a per-socket engine of
// bcm_op state machines driving periodic CAN transmission and
// change-detecting, throttled, timeout-supervised reception.
package bcm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/canflux/cancore/pkg/can"
)

// Opcode identifies the kind of a Message. Values are stable across
// implementations.
type Opcode uint32

const (
	TxSetup Opcode = 1 + iota
	TxDelete
	TxRead
	TxSend
	TxStatus
	TxExpired
	RxSetup
	RxDelete
	RxRead
	RxStatus
	RxChanged
	RxTimeout
)

func (o Opcode) String() string {
	switch o {
	case TxSetup:
		return "TX_SETUP"
	case TxDelete:
		return "TX_DELETE"
	case TxRead:
		return "TX_READ"
	case TxSend:
		return "TX_SEND"
	case TxStatus:
		return "TX_STATUS"
	case TxExpired:
		return "TX_EXPIRED"
	case RxSetup:
		return "RX_SETUP"
	case RxDelete:
		return "RX_DELETE"
	case RxRead:
		return "RX_READ"
	case RxStatus:
		return "RX_STATUS"
	case RxChanged:
		return "RX_CHANGED"
	case RxTimeout:
		return "RX_TIMEOUT"
	default:
		return fmt.Sprintf("Opcode(%d)", uint32(o))
	}
}

// Flag bits consumed by the TX and RX state machines.
const (
	SetTimer Flags = 1 << iota
	StartTimer
	TxCountEvt
	TxAnnounce
	TxCpCanID
	TxResetMultiIdx
	RxFilterID
	RxCheckDLC
	RxNoAutoTimer
	RxAnnounceResume
	RxRTRFrame
)

type Flags uint32

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Message is a control record exchanged between a BCM client and the engine:
// a fixed header followed by Nframes frames.
type Message struct {
	Opcode Opcode
	Flags  Flags
	Count  int32
	Ival1  time.Duration
	Ival2  time.Duration
	CanID  uint32
	Frames []can.Frame
}

const headerSize = 4 + 4 + 4 + 8 + 8 + 4 + 4 // opcode,flags,count,ival1,ival2,can_id,nframes
const frameSize = 4 + 1 + 8                  // id, dlc, 8 data bytes

// Encode serializes m into the wire format described in the external
// interfaces section: header, then one frameSize-byte record per frame.
func (m Message) Encode() []byte {
	buf := make([]byte, 0, headerSize+len(m.Frames)*frameSize)
	w := bytes.NewBuffer(buf)

	binary.Write(w, binary.BigEndian, uint32(m.Opcode))
	binary.Write(w, binary.BigEndian, uint32(m.Flags))
	binary.Write(w, binary.BigEndian, m.Count)
	writeDuration(w, m.Ival1)
	writeDuration(w, m.Ival2)
	binary.Write(w, binary.BigEndian, m.CanID)
	binary.Write(w, binary.BigEndian, uint32(len(m.Frames)))
	for _, f := range m.Frames {
		binary.Write(w, binary.BigEndian, f.ID)
		binary.Write(w, binary.BigEndian, f.DLC)
		w.Write(f.Data[:])
	}
	return w.Bytes()
}

func writeDuration(w *bytes.Buffer, d time.Duration) {
	sec := int32(d / time.Second)
	usec := int32((d % time.Second) / time.Microsecond)
	binary.Write(w, binary.BigEndian, sec)
	binary.Write(w, binary.BigEndian, usec)
}

func readDuration(r *bytes.Reader) (time.Duration, error) {
	var sec, usec int32
	if err := binary.Read(r, binary.BigEndian, &sec); err != nil {
		return 0, err
	}
	if err := binary.Read(r, binary.BigEndian, &usec); err != nil {
		return 0, err
	}
	return time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond, nil
}

// Decode parses a Message produced by Encode.
func Decode(raw []byte) (Message, error) {
	if len(raw) < headerSize {
		return Message{}, fmt.Errorf("bcm: short message: %d bytes", len(raw))
	}
	r := bytes.NewReader(raw)
	var m Message
	var opcode, flags, nframes uint32

	if err := binary.Read(r, binary.BigEndian, &opcode); err != nil {
		return Message{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
		return Message{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &m.Count); err != nil {
		return Message{}, err
	}
	var err error
	if m.Ival1, err = readDuration(r); err != nil {
		return Message{}, err
	}
	if m.Ival2, err = readDuration(r); err != nil {
		return Message{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &m.CanID); err != nil {
		return Message{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &nframes); err != nil {
		return Message{}, err
	}
	m.Opcode = Opcode(opcode)
	m.Flags = Flags(flags)

	if int(nframes) < 0 || headerSize+int(nframes)*frameSize > len(raw) {
		return Message{}, fmt.Errorf("bcm: truncated message: nframes=%d", nframes)
	}
	m.Frames = make([]can.Frame, nframes)
	for i := range m.Frames {
		if err := binary.Read(r, binary.BigEndian, &m.Frames[i].ID); err != nil {
			return Message{}, err
		}
		if err := binary.Read(r, binary.BigEndian, &m.Frames[i].DLC); err != nil {
			return Message{}, err
		}
		if _, err := r.Read(m.Frames[i].Data[:]); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}
