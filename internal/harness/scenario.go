package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/localsync/internal/remote"
)

// Scenario describes clients writing locally and syncing through one shared
// remote service, plus assertions on the end state and the event trace.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Clients lists the devices taking part. Each gets its own store,
	// session and sync engine.
	Clients []string `yaml:"clients"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state and trace.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action. Exactly one action field is set; Client names the
// device for client actions.
type Step struct {
	Client string `yaml:"client,omitempty"`

	Put     *PutStep `yaml:"put,omitempty"`
	Delete  string   `yaml:"delete,omitempty"`
	Sync    bool     `yaml:"sync,omitempty"`
	SignOut bool     `yaml:"sign_out,omitempty"`
	SignIn  string   `yaml:"sign_in,omitempty"`  // new token
	Revoke  bool     `yaml:"revoke,omitempty"`   // remote refuses the client's token
	Advance string   `yaml:"advance,omitempty"`  // duration the shared clock moves
	Fail    *Fault   `yaml:"fail,omitempty"`     // remote fault injection

	// Expect checks the step's outcome. If nil, the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// PutStep writes a record.
type PutStep struct {
	ID     string         `yaml:"id"`
	Type   string         `yaml:"type,omitempty"` // default Todo
	Fields map[string]any `yaml:"fields"`
}

// Fault makes the next Count calls of Op fail with Code.
type Fault struct {
	Op    string `yaml:"op"` // push | pull
	Code  string `yaml:"code"`
	Count int    `yaml:"count,omitempty"` // default 1
}

// Expect specifies a step's outcome. Error is an error code (VALIDATION,
// AUTHORIZATION, ...) or PAUSED; counts apply to sync steps.
type Expect struct {
	Error     string `yaml:"error,omitempty"`
	Pushed    *int   `yaml:"pushed,omitempty"`
	Failed    *int   `yaml:"failed,omitempty"`
	Conflicts *int   `yaml:"conflicts,omitempty"`
	Applied   *int   `yaml:"applied,omitempty"`
	Retries   *int   `yaml:"retries,omitempty"`
}

// Assertion validates state or trace after all steps ran.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Client selects the device (record, outbox_depth; optional for
	// trace_count).
	Client string `yaml:"client,omitempty"`

	// ID selects the record (record, remote_record).
	ID string `yaml:"id,omitempty"`

	// Expect holds expected record properties: status, conflicted, deleted,
	// revision, remote_revision and fields. Only listed keys are compared;
	// fields compare exactly.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is used by outbox_depth, remote_count and trace_count.
	Count int `yaml:"count,omitempty"`

	// Event is the event kind for trace_count.
	Event string `yaml:"event,omitempty"`

	// Events is the expected order of event kinds for trace_order.
	Events []string `yaml:"events,omitempty"`
}

// Assertion type constants.
const (
	AssertRecord       = "record"
	AssertRemoteRecord = "remote_record"
	AssertOutboxDepth  = "outbox_depth"
	AssertRemoteCount  = "remote_count"
	AssertTraceCount   = "trace_count"
	AssertTraceOrder   = "trace_order"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Clients) == 0 {
		return fmt.Errorf("clients list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	clients := make(map[string]bool, len(s.Clients))
	for _, c := range s.Clients {
		if clients[c] {
			return fmt.Errorf("duplicate client %q", c)
		}
		clients[c] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step, clients); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, clients); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, st Step, clients map[string]bool) error {
	actions := 0
	clientAction := false
	count := func(set, needsClient bool) {
		if set {
			actions++
			clientAction = clientAction || needsClient
		}
	}
	count(st.Put != nil, true)
	count(st.Delete != "", true)
	count(st.Sync, true)
	count(st.SignOut, true)
	count(st.SignIn != "", true)
	count(st.Revoke, true)
	count(st.Advance != "", false)
	count(st.Fail != nil, false)

	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", i, actions)
	}
	if clientAction && !clients[st.Client] {
		return fmt.Errorf("steps[%d]: unknown client %q", i, st.Client)
	}
	if st.Put != nil && st.Put.ID == "" {
		return fmt.Errorf("steps[%d].put: id is required", i)
	}
	if st.Advance != "" {
		if _, err := time.ParseDuration(st.Advance); err != nil {
			return fmt.Errorf("steps[%d].advance: %w", i, err)
		}
	}
	if st.Fail != nil {
		switch remote.Operation(st.Fail.Op) {
		case remote.OpPush, remote.OpPull:
		default:
			return fmt.Errorf("steps[%d].fail: unknown op %q", i, st.Fail.Op)
		}
		if _, err := faultError(st.Fail.Code); err != nil {
			return fmt.Errorf("steps[%d].fail: %w", i, err)
		}
	}
	return nil
}

func validateAssertion(i int, a Assertion, clients map[string]bool) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	case AssertRecord:
		if !clients[a.Client] {
			return fmt.Errorf("assertions[%d]: unknown client %q", i, a.Client)
		}
		if a.ID == "" || len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: id and expect are required for record", i)
		}
	case AssertRemoteRecord:
		if a.ID == "" || len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: id and expect are required for remote_record", i)
		}
	case AssertOutboxDepth:
		if !clients[a.Client] {
			return fmt.Errorf("assertions[%d]: unknown client %q", i, a.Client)
		}
	case AssertRemoteCount:
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", i)
		}
		if a.Client != "" && !clients[a.Client] {
			return fmt.Errorf("assertions[%d]: unknown client %q", i, a.Client)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", i)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", i)
	}
	return nil
}
