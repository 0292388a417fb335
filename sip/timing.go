package sip

import (
	"encoding/json"
	"time"

	"braces.dev/errtrace"
)

// Base timer values from RFC 3261 appendix A.
const (
	// T1 is the round-trip time estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message stays in the network.
	T4 = 5 * time.Second
	// TimeD is the wait duration for response retransmits over unreliable transport.
	TimeD = 32 * time.Second
	// Time100 is the delay before the automatic 100 Trying on an INVITE server transaction.
	Time100 = 200 * time.Millisecond
)

// TimingConfig holds the base SIP timer values.
// The zero value means RFC 3261 defaults: [T1], [T2], [T4], [TimeD], [Time100].
// All derived timers (A through M) are computed from these bases.
type TimingConfig struct {
	t1, t2, t4,
	timeD,
	time100 time.Duration
}

var defTimingCfg TimingConfig

// NewTimings creates a timing config with the given base values.
// Zero values keep their RFC 3261 defaults.
func NewTimings(t1, t2, t4, timeD, time100 time.Duration) TimingConfig {
	return TimingConfig{t1, t2, t4, timeD, time100}
}

// T1 is the round-trip time estimate, [T1] unless overridden.
func (c TimingConfig) T1() time.Duration {
	if c.t1 == 0 {
		return T1
	}
	return c.t1
}

// T2 is the maximum retransmit interval, [T2] unless overridden.
func (c TimingConfig) T2() time.Duration {
	if c.t2 == 0 {
		return T2
	}
	return c.t2
}

// T4 is the maximum message lifetime in the network, [T4] unless overridden.
func (c TimingConfig) T4() time.Duration {
	if c.t4 == 0 {
		return T4
	}
	return c.t4
}

// Time100 is the automatic 100 Trying delay, [Time100] unless overridden.
func (c TimingConfig) Time100() time.Duration {
	if c.time100 == 0 {
		return Time100
	}
	return c.time100
}

// TimeA is the initial INVITE retransmit interval over unreliable transport, equal to T1.
func (c TimingConfig) TimeA() time.Duration { return c.T1() }

// TimeB is the INVITE client transaction timeout, 64*T1.
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeC is the proxy INVITE transaction timeout, 600*T1.
func (c TimingConfig) TimeC() time.Duration { return 600 * c.T1() }

// TimeD is the wait duration for response retransmits over unreliable
// transport, [TimeD] unless overridden.
func (c TimingConfig) TimeD() time.Duration {
	if c.timeD == 0 {
		return TimeD
	}
	return c.timeD
}

// TimeE is the initial non-INVITE retransmit interval over unreliable transport, equal to T1.
func (c TimingConfig) TimeE() time.Duration { return c.T1() }

// TimeF is the non-INVITE client transaction timeout, 64*T1.
func (c TimingConfig) TimeF() time.Duration { return 64 * c.T1() }

// TimeG is the initial INVITE final response retransmit interval, equal to T1.
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH is the ACK receipt timeout, 64*T1.
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimeI is the wait duration for ACK retransmits over unreliable transport, equal to T4.
func (c TimingConfig) TimeI() time.Duration { return c.T4() }

// TimeJ is the wait duration for non-INVITE request retransmits over
// unreliable transport, 64*T1.
func (c TimingConfig) TimeJ() time.Duration { return 64 * c.T1() }

// TimeK is the wait duration for response retransmits over unreliable transport, equal to T4.
func (c TimingConfig) TimeK() time.Duration { return c.T4() }

// TimeL is the wait duration for accepted INVITE retransmits, 64*T1.
func (c TimingConfig) TimeL() time.Duration { return 64 * c.T1() }

// TimeM is the wait duration for 2xx retransmits or additional 2xx from
// forked INVITE branches, 64*T1.
func (c TimingConfig) TimeM() time.Duration { return 64 * c.T1() }

func (c TimingConfig) IsZero() bool {
	return c.t1 == 0 && c.t2 == 0 && c.t4 == 0 && c.timeD == 0 && c.time100 == 0
}

type timingConfData struct {
	T1      time.Duration `json:"t1,omitempty"`
	T2      time.Duration `json:"t2,omitempty"`
	T4      time.Duration `json:"t4,omitempty"`
	TimeD   time.Duration `json:"time_d,omitempty"`
	Time100 time.Duration `json:"time_100,omitempty"`
}

func (c TimingConfig) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(timingConfData{
		T1:      c.t1,
		T2:      c.t2,
		T4:      c.t4,
		TimeD:   c.timeD,
		Time100: c.time100,
	}))
}

func (c *TimingConfig) UnmarshalJSON(data []byte) error {
	var d timingConfData
	if err := json.Unmarshal(data, &d); err != nil {
		return errtrace.Wrap(err)
	}
	c.t1 = d.T1
	c.t2 = d.T2
	c.t4 = d.T4
	c.timeD = d.TimeD
	c.time100 = d.Time100
	return nil
}
