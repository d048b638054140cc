// Package task owns the lifecycle of a load test: descriptor validation,
// transport construction, the warm-up probe, user scheduling, and the
// terminal summary write.
package task

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/MigoXLab/LMeterX/internal/dataset"
	"github.com/MigoXLab/LMeterX/internal/payload"
	"github.com/MigoXLab/LMeterX/pkg/errors"
)

// API kinds accepted by the descriptor. LLM kinds fix the method to POST;
// generic-http leaves it to the operator.
const (
	APIKindOpenAIChat = "openai-chat"
	APIKindClaudeChat = "claude-chat"
	APIKindEmbeddings = "embeddings"
	APIKindCustomChat = "custom-chat"
	APIKindGeneric    = "generic-http"
)

const (
	DefaultAPIPath = "/v1/chat/completions"

	defaultConnectTimeout = 10 * time.Second
	maxReadTimeout        = 600 * time.Second

	maxSpawnPerSec = 100
	maxDurationS   = 172800
	maxUsersCap    = 5000
)

// LoadProfile is the requested load shape. Fixed mode uses Users, DurationS
// and SpawnPerSec; stepped mode uses the step fields.
type LoadProfile struct {
	Mode string `json:"mode"`

	Users       int     `json:"users"`
	DurationS   int     `json:"duration_s"`
	SpawnPerSec float64 `json:"spawn_per_s"`

	StartUsers       int `json:"start_users"`
	StepIncrement    int `json:"step_increment"`
	StepDurationS    int `json:"step_duration_s"`
	SustainDurationS int `json:"sustain_duration_s"`
	MaxUsers         int `json:"max_users"`
}

// Timeouts control per-request budgets. Zero values are materialized from
// the load profile at validation time.
type Timeouts struct {
	ConnectS int `json:"connect_s"`
	ReadS    int `json:"read_s"`
}

// Descriptor is the operator-facing task definition. Immutable once the task
// starts.
type Descriptor struct {
	TaskID        string            `json:"task_id"`
	Name          string            `json:"name"`
	APIKind       string            `json:"api_kind"`
	TargetBaseURL string            `json:"target_base_url"`
	APIPath       string            `json:"api_path"`
	HTTPMethod    string            `json:"http_method"`
	ModelName     string            `json:"model_name"`

	RequestTemplate string            `json:"request_template"`
	Headers         map[string]string `json:"headers"`
	Cookies         map[string]string `json:"cookies"`

	// TLS client identity. CertFile alone means a combined PEM carrying
	// both certificate and key.
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`

	StreamMode bool   `json:"stream_mode"`
	FieldMap   string `json:"field_map"`

	Dataset       string `json:"dataset"`
	DatasetSource string `json:"dataset_source"`

	LoadProfile LoadProfile `json:"load_profile"`
	Timeouts    Timeouts    `json:"timeouts"`
}

// ApplyDefaults materializes everything validation and startup expect to be
// set. Called before Validate.
func (d *Descriptor) ApplyDefaults() {
	if d.TaskID == "" {
		d.TaskID = uuid.NewString()
	}
	if d.APIPath == "" {
		d.APIPath = DefaultAPIPath
	}
	if d.HTTPMethod == "" || d.APIKind != APIKindGeneric {
		d.HTTPMethod = "POST"
	}
	if d.APIKind == APIKindEmbeddings {
		d.StreamMode = false
	}
	if d.Dataset == "" {
		d.Dataset = string(dataset.KindNone)
	}
	if d.LoadProfile.Mode == "" {
		d.LoadProfile.Mode = "fixed"
	}

	if d.Timeouts.ConnectS <= 0 {
		d.Timeouts.ConnectS = int(defaultConnectTimeout.Seconds())
	}
	if d.Timeouts.ReadS <= 0 {
		half := d.taskDurationS() / 2
		if half < 1 {
			half = 1
		}
		if half > int(maxReadTimeout.Seconds()) {
			half = int(maxReadTimeout.Seconds())
		}
		d.Timeouts.ReadS = half
	}
}

// Validate enforces the descriptor invariants. Returns an invalid-descriptor
// error naming the first violated field.
func (d *Descriptor) Validate() error {
	switch d.APIKind {
	case APIKindOpenAIChat, APIKindClaudeChat, APIKindEmbeddings, APIKindCustomChat, APIKindGeneric:
	default:
		return errors.NewInvalidDescriptorError(fmt.Sprintf("unknown api_kind %q", d.APIKind))
	}

	if d.TargetBaseURL == "" {
		return errors.NewInvalidDescriptorError("target_base_url is required")
	}
	if u, err := url.Parse(d.TargetBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.NewInvalidDescriptorError(fmt.Sprintf("target_base_url %q is not an absolute URL", d.TargetBaseURL))
	}

	lp := d.LoadProfile
	switch lp.Mode {
	case "fixed":
		if lp.Users < 1 {
			return errors.NewInvalidDescriptorError("load_profile.users must be at least 1")
		}
		if lp.Users > maxUsersCap {
			return errors.NewInvalidDescriptorError(fmt.Sprintf("load_profile.users exceeds the cap of %d", maxUsersCap))
		}
		if lp.SpawnPerSec < 1 || lp.SpawnPerSec > maxSpawnPerSec {
			return errors.NewInvalidDescriptorError("load_profile.spawn_per_s must be within [1, 100]")
		}
		if lp.DurationS < 1 || lp.DurationS > maxDurationS {
			return errors.NewInvalidDescriptorError(fmt.Sprintf("load_profile.duration_s must be within [1, %d]", maxDurationS))
		}
	case "stepped":
		if lp.StartUsers < 1 {
			return errors.NewInvalidDescriptorError("load_profile.start_users must be at least 1")
		}
		if lp.StepIncrement < 1 {
			return errors.NewInvalidDescriptorError("load_profile.step_increment must be at least 1")
		}
		if lp.StepDurationS < 1 {
			return errors.NewInvalidDescriptorError("load_profile.step_duration_s must be at least 1")
		}
		if lp.MaxUsers < lp.StartUsers || lp.MaxUsers > maxUsersCap {
			return errors.NewInvalidDescriptorError(fmt.Sprintf("load_profile.max_users must be within [start_users, %d]", maxUsersCap))
		}
	default:
		return errors.NewInvalidDescriptorError(fmt.Sprintf("unknown load_profile.mode %q", lp.Mode))
	}

	if d.KeyFile != "" && d.CertFile == "" {
		return errors.NewInvalidDescriptorError("key_file without cert_file")
	}

	return nil
}

// payloadKind maps the API kind onto the request dialect. generic-http
// shapes like custom-chat: whatever template the operator supplied.
func (d *Descriptor) payloadKind() payload.Kind {
	switch d.APIKind {
	case APIKindOpenAIChat:
		return payload.KindOpenAIChat
	case APIKindClaudeChat:
		return payload.KindClaudeChat
	case APIKindEmbeddings:
		return payload.KindEmbeddings
	default:
		return payload.KindCustomChat
	}
}

// taskDurationS is the nominal test window regardless of mode.
func (d *Descriptor) taskDurationS() int {
	if d.LoadProfile.Mode == "stepped" {
		steps := 0
		if d.LoadProfile.StepIncrement > 0 {
			steps = (d.LoadProfile.MaxUsers - d.LoadProfile.StartUsers + d.LoadProfile.StepIncrement - 1) / d.LoadProfile.StepIncrement
		}
		return steps*d.LoadProfile.StepDurationS + d.LoadProfile.SustainDurationS
	}
	return d.LoadProfile.DurationS
}

// readTimeout returns the per-request read budget.
func (d *Descriptor) readTimeout() time.Duration {
	return time.Duration(d.Timeouts.ReadS) * time.Second
}

// grace is the drain window after stop: request timeout plus slack.
func (d *Descriptor) grace() time.Duration {
	return d.readTimeout() + 5*time.Second
}
