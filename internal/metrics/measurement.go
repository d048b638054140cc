// Package metrics folds per-request measurements into per-stage statistics
// and publishes realtime samples and a terminal summary.
package metrics

import "time"

// Outcome classifies how a single request ended. Anything but OutcomeOK is
// tallied into the failure stage, never surfaced as a runtime error.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeHTTPError  Outcome = "http_error"
	OutcomeParseError Outcome = "parse_error"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeCanceled   Outcome = "canceled"
)

// Stage names. A stage is a named aspect of the request lifecycle with its
// own statistical bucket; the api path of the task forms an extra
// per-endpoint stage.
const (
	StageFirstReasoningToken  = "Time_to_first_reasoning_token"
	StageFirstOutputToken     = "Time_to_first_output_token"
	StageReasoningCompletion  = "Time_to_reasoning_completion"
	StageOutputCompletion     = "Time_to_output_completion"
	StageTotalTime            = "Total_time"
	StageFailure              = "failure"
)

// Measurement is the result of one request. Timestamps come from the
// monotonic clock; a zero time means the event was never observed.
type Measurement struct {
	UserID int

	Start          time.Time
	FirstReasoning time.Time
	ReasoningEnd   time.Time
	FirstOutput    time.Time
	Completion     time.Time
	End            time.Time

	HTTPStatus int
	Outcome    Outcome
	APIPath    string

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	TokensEstimated  bool

	ContentLengthBytes int64

	// Bounded diagnostic for non-ok outcomes.
	Error string
}

// stageSamples decomposes a measurement into the per-stage latency samples
// it contributes. Durations are reported in milliseconds.
func (m *Measurement) stageSamples() []stageSample {
	samples := make([]stageSample, 0, 6)

	if m.Outcome == OutcomeOK {
		if !m.FirstReasoning.IsZero() {
			samples = append(samples, stageSample{
				stage:   StageFirstReasoningToken,
				valueMs: ms(m.FirstReasoning.Sub(m.Start)),
			})
		}
		if !m.FirstReasoning.IsZero() && !m.ReasoningEnd.IsZero() {
			samples = append(samples, stageSample{
				stage:   StageReasoningCompletion,
				valueMs: ms(m.ReasoningEnd.Sub(m.FirstReasoning)),
			})
		}
		if !m.FirstOutput.IsZero() {
			samples = append(samples, stageSample{
				stage:   StageFirstOutputToken,
				valueMs: ms(m.FirstOutput.Sub(m.Start)),
			})
		}
		if !m.FirstOutput.IsZero() && !m.Completion.IsZero() {
			samples = append(samples, stageSample{
				stage:   StageOutputCompletion,
				valueMs: ms(m.Completion.Sub(m.FirstOutput)),
			})
		}
		samples = append(samples, stageSample{
			stage:   StageTotalTime,
			valueMs: ms(m.End.Sub(m.Start)),
		})
	}

	if m.APIPath != "" {
		samples = append(samples, stageSample{
			stage:        m.APIPath,
			valueMs:      ms(m.End.Sub(m.Start)),
			failure:      m.Outcome != OutcomeOK,
			contentBytes: m.ContentLengthBytes,
		})
	}

	if m.Outcome != OutcomeOK {
		samples = append(samples, stageSample{
			stage:   StageFailure,
			valueMs: ms(m.End.Sub(m.Start)),
			failure: true,
		})
	}

	return samples
}

type stageSample struct {
	stage        string
	valueMs      float64
	failure      bool
	contentBytes int64
}

func ms(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
