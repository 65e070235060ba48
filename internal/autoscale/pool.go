package autoscale

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnknownPool is returned when a pool name is not defined.
var ErrUnknownPool = errors.New("unknown agent pool")

// PoolStatus is the lifecycle status of a pool.
type PoolStatus string

const (
	PoolStatusActive  PoolStatus = "ACTIVE"
	PoolStatusDeleted PoolStatus = "DELETED"
)

// PoolSpec is the scaling policy of one agent pool.
type PoolSpec struct {
	Name string `yaml:"name"`

	MinSize int `yaml:"minSize"`
	MaxSize int `yaml:"maxSize"`
	// Size is the initial target size.
	Size int `yaml:"size"`

	PercentIncrement float64 `yaml:"percentIncrement"`
	PercentDecrement float64 `yaml:"percentDecrement"`

	// IncrementThresholdFactor is the queue-per-replica ratio above which the pool grows.
	IncrementThresholdFactor float64 `yaml:"incrementThresholdFactor"`
	// DecrementThresholdFactor is the ratio below which the pool shrinks.
	DecrementThresholdFactor float64 `yaml:"decrementThresholdFactor"`

	ScaleUpDelay   time.Duration `yaml:"scaleUpDelay"`
	ScaleDownDelay time.Duration `yaml:"scaleDownDelay"`

	// QueueQueryLimit caps the enqueued entries inspected per reconcile.
	QueueQueryLimit int `yaml:"queueQueryLimit"`
	// Selector matches queue entry requirements to this pool.
	Selector Selector `yaml:"queueSelector"`

	// Image and Env describe the replicas the pool runs.
	Image string            `yaml:"image"`
	Env   map[string]string `yaml:"env"`
}

// DefaultPoolSpec returns the default policy.
func DefaultPoolSpec() PoolSpec {
	return PoolSpec{
		MinSize:                  1,
		MaxSize:                  10,
		Size:                     1,
		PercentIncrement:         50,
		PercentDecrement:         10,
		IncrementThresholdFactor: 1.5,
		DecrementThresholdFactor: 1.0,
		ScaleUpDelay:             30 * time.Second,
		ScaleDownDelay:           180 * time.Second,
		QueueQueryLimit:          300,
	}
}

// UnmarshalYAML fills unset fields with defaults.
func (s *PoolSpec) UnmarshalYAML(node *yaml.Node) error {
	type plain PoolSpec
	p := plain(DefaultPoolSpec())
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = PoolSpec(p)
	return nil
}

// Validate checks the policy is coherent.
func (s PoolSpec) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if s.MinSize < 0 {
		errs = append(errs, fmt.Errorf("minSize must not be negative, got %d", s.MinSize))
	}
	if s.MaxSize < s.MinSize {
		errs = append(errs, fmt.Errorf("maxSize %d is below minSize %d", s.MaxSize, s.MinSize))
	}
	if s.PercentIncrement < 0 || s.PercentDecrement < 0 {
		errs = append(errs, errors.New("percentages must not be negative"))
	}
	if s.DecrementThresholdFactor > s.IncrementThresholdFactor {
		errs = append(errs, fmt.Errorf("decrementThresholdFactor %.2f exceeds incrementThresholdFactor %.2f",
			s.DecrementThresholdFactor, s.IncrementThresholdFactor))
	}
	if s.QueueQueryLimit <= 0 {
		errs = append(errs, errors.New("queueQueryLimit must be positive"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("pool %q: %w", s.Name, errors.Join(errs...))
}

// PoolsFile is the on-disk list of pool definitions.
type PoolsFile struct {
	Pools []PoolSpec `yaml:"pools"`
}

// LoadPools reads and validates pool definitions from a YAML file.
func LoadPools(path string) ([]PoolSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pools file: %w", err)
	}
	return ParsePools(data)
}

// ParsePools parses and validates pool definitions.
func ParsePools(data []byte) ([]PoolSpec, error) {
	var f PoolsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse pools: %w", err)
	}

	seen := make(map[string]bool, len(f.Pools))
	for _, p := range f.Pools {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("pool %q defined twice", p.Name)
		}
		seen[p.Name] = true
	}
	return f.Pools, nil
}

// PoolState is the autoscaler's view of one pool.
type PoolState struct {
	Spec   PoolSpec
	Status PoolStatus
	// TargetSize is the replica count the pool should run.
	TargetSize int
	// ObservedSize is the replica count last seen running.
	ObservedSize int

	LastScaleUp   time.Time
	LastScaleDown time.Time
}

// NewPoolState returns the initial state for a pool.
func NewPoolState(spec PoolSpec) PoolState {
	return PoolState{
		Spec:       spec,
		Status:     PoolStatusActive,
		TargetSize: clamp(spec.Size, spec.MinSize, spec.MaxSize),
	}
}

// Name returns the pool name.
func (s PoolState) Name() string {
	return s.Spec.Name
}
