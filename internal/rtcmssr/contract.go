package rtcmssr

import "github.com/rtkgo/rtkcore/internal/store"

// Update is one per-satellite SSR update surfaced by an external SSR
// decoder, carrying only the fields the core needs to merge into its
// SSRCorrection table (spec.md 3, "SSR correction"). Slot indices follow
// the teacher's Ssr[sat].{T0,Udi,Iod}[k] layout: 0 orbit, 1 clock,
// 2 high-rate clock, 3 URA, 4 code bias, 5 phase bias.
type Update struct {
	Sat     int
	Slot    int
	T0      store.Gtime
	UpdInt  float64
	IOD     int
	IODE    int
	URA     int
	Deph    [3]float64
	DdEph   [3]float64
	Dclk    [3]float64
	CBias   map[uint8]float32
	PBias   map[uint8]float64
}

// Decoder is the external collaborator's contract (spec.md 1): something
// that turns one RTCM3 SSR message payload into per-satellite Updates. The
// core ships no bit-level SSR decoder of its own; github.com/go-gnss/rtcm
// satisfies this contract via the adapter in adapter.go, but any decoder
// implementing this interface can be substituted.
type Decoder interface {
	DecodeSSR(msgType int, payload []byte) ([]Update, error)
}

// ErrUnsupportedMessage signals a message type the decoder doesn't
// recognise as an SSR message; callers should skip it, not treat it as
// fatal.
type ErrUnsupportedMessage struct{ Type int }

func (e *ErrUnsupportedMessage) Error() string { return "rtcmssr: unsupported message type" }

// Apply merges one Update into dst, mirroring src/rtcm3.go's
// decode_ssr1..decode_ssr6 per-slot field writes.
func Apply(dst map[int]store.SSRCorrection, u Update) {
	c := dst[u.Sat]
	if u.Slot < 0 || u.Slot > 5 {
		return
	}
	c.T0[u.Slot] = u.T0
	c.UpdInt[u.Slot] = u.UpdInt
	c.IOD[u.Slot] = u.IOD
	switch u.Slot {
	case 0:
		c.Deph, c.DdEph = u.Deph, u.DdEph
		c.IODE = u.IODE
	case 1:
		c.Dclk = u.Dclk
	case 3:
		c.URA = u.URA
	case 4:
		if c.CBias == nil {
			c.CBias = map[uint8]float32{}
		}
		for k, v := range u.CBias {
			c.CBias[k] = v
		}
	case 5:
		if c.PBias == nil {
			c.PBias = map[uint8]float64{}
		}
		for k, v := range u.PBias {
			c.PBias[k] = v
		}
	}
	c.Updated = true
	dst[u.Sat] = c
}
