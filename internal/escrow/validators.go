package escrow

import "sync"

// ValidatorPool assigns dispute validators round-robin over the configured
// eligible set. Assignment is recorded on the dispute at filing time.
type ValidatorPool struct {
	mu         sync.Mutex
	validators []string
	next       int
}

// NewValidatorPool creates a pool over the given validator principal IDs.
func NewValidatorPool(validators []string) *ValidatorPool {
	p := &ValidatorPool{}
	for _, v := range validators {
		if v != "" {
			p.validators = append(p.validators, v)
		}
	}
	return p
}

// Assign returns the next validator in rotation, or "" if the pool is empty
// (the dispute then waits for manual assignment).
func (p *ValidatorPool) Assign() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.validators) == 0 {
		return ""
	}
	v := p.validators[p.next%len(p.validators)]
	p.next++
	return v
}

// Size returns the number of eligible validators.
func (p *ValidatorPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.validators)
}
