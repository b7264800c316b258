package rtcmssr

import (
	"fmt"

	gnssrtcm "github.com/go-gnss/rtcm/rtcm3"

	"github.com/rtkgo/rtkcore/internal/gtime"
	"github.com/rtkgo/rtkcore/internal/store"
)

// GoGNSSDecoder adapts github.com/go-gnss/rtcm's message deserializer to
// the Decoder contract, converting its per-satellite SSR correction
// records into Updates. This file is the only place in the module that
// touches the external library's message types, keeping the rest of the
// core ignorant of the RTCM3 SSR bit layout (spec.md 1).
type GoGNSSDecoder struct{}

// DecodeSSR deserializes payload and, if it is one of the SSR orbit/clock/
// combined/code-bias/phase-bias/URA message families, returns one Update
// per satellite it carries.
func (GoGNSSDecoder) DecodeSSR(msgType int, payload []byte) ([]Update, error) {
	msg, err := gnssrtcm.DeserializeMessage(payload)
	if err != nil {
		return nil, fmt.Errorf("rtcmssr: deserialize type %d: %w", msgType, err)
	}

	switch m := msg.(type) {
	case gnssrtcm.MessageSsrOrbit:
		return ssrOrbitUpdates(m), nil
	case gnssrtcm.MessageSsrClock:
		return ssrClockUpdates(m), nil
	case gnssrtcm.MessageSsrCodeBias:
		return ssrCodeBiasUpdates(m), nil
	case gnssrtcm.MessageSsrPhaseBias:
		return ssrPhaseBiasUpdates(m), nil
	case gnssrtcm.MessageSsrUra:
		return ssrURAUpdates(m), nil
	default:
		return nil, &ErrUnsupportedMessage{Type: msgType}
	}
}

func ssrEpoch(ep uint32) store.Gtime {
	// SSR epoch times are GPS time-of-week in seconds; the caller resolves
	// the ambiguous week number against the stream's last known epoch
	// (spec.md 4.A AdjWeek), left as week 0 here and corrected by the
	// ingestion pipeline that has that context.
	return gtime.FromGPST(0, float64(ep))
}

func ssrOrbitUpdates(m gnssrtcm.MessageSsrOrbit) []Update {
	out := make([]Update, 0, len(m.SatelliteOrbitCorrections))
	for _, s := range m.SatelliteOrbitCorrections {
		out = append(out, Update{
			Sat:    store.SatNo(store.SysGPS, int(s.SatelliteID)),
			Slot:   0,
			T0:     ssrEpoch(m.Header.Epoch),
			UpdInt: m.Header.SSRUpdateInterval,
			IOD:    int(m.Header.IODSSR),
			IODE:   int(s.IODE),
			Deph:   [3]float64{s.DeltaRadial, s.DeltaAlongTrack, s.DeltaCrossTrack},
			DdEph:  [3]float64{s.DotDeltaRadial, s.DotDeltaAlongTrack, s.DotDeltaCrossTrack},
		})
	}
	return out
}

func ssrClockUpdates(m gnssrtcm.MessageSsrClock) []Update {
	out := make([]Update, 0, len(m.SatelliteClockCorrections))
	for _, s := range m.SatelliteClockCorrections {
		out = append(out, Update{
			Sat:    store.SatNo(store.SysGPS, int(s.SatelliteID)),
			Slot:   1,
			T0:     ssrEpoch(m.Header.Epoch),
			UpdInt: m.Header.SSRUpdateInterval,
			IOD:    int(m.Header.IODSSR),
			Dclk:   [3]float64{s.DeltaClockC0, s.DeltaClockC1, s.DeltaClockC2},
		})
	}
	return out
}

func ssrCodeBiasUpdates(m gnssrtcm.MessageSsrCodeBias) []Update {
	out := make([]Update, 0, len(m.SatelliteCodeBiases))
	for _, s := range m.SatelliteCodeBiases {
		cb := map[uint8]float32{}
		for _, b := range s.CodeBiases {
			cb[uint8(b.SignalID)] = float32(b.CodeBias)
		}
		out = append(out, Update{
			Sat:    store.SatNo(store.SysGPS, int(s.SatelliteID)),
			Slot:   4,
			T0:     ssrEpoch(m.Header.Epoch),
			UpdInt: m.Header.SSRUpdateInterval,
			IOD:    int(m.Header.IODSSR),
			CBias:  cb,
		})
	}
	return out
}

func ssrPhaseBiasUpdates(m gnssrtcm.MessageSsrPhaseBias) []Update {
	out := make([]Update, 0, len(m.SatellitePhaseBiases))
	for _, s := range m.SatellitePhaseBiases {
		pb := map[uint8]float64{}
		for _, b := range s.PhaseBiases {
			pb[uint8(b.SignalID)] = b.PhaseBias
		}
		out = append(out, Update{
			Sat:    store.SatNo(store.SysGPS, int(s.SatelliteID)),
			Slot:   5,
			T0:     ssrEpoch(m.Header.Epoch),
			UpdInt: m.Header.SSRUpdateInterval,
			IOD:    int(m.Header.IODSSR),
			PBias:  pb,
		})
	}
	return out
}

func ssrURAUpdates(m gnssrtcm.MessageSsrUra) []Update {
	out := make([]Update, 0, len(m.SatelliteURA))
	for _, s := range m.SatelliteURA {
		out = append(out, Update{
			Sat:  store.SatNo(store.SysGPS, int(s.SatelliteID)),
			Slot: 3,
			T0:   ssrEpoch(m.Header.Epoch),
			URA:  int(s.SSRURA),
		})
	}
	return out
}
