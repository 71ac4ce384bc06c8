package consensus

import "fmt"

// SavannaScheduleVersion is the fixed schedule_version stamped into every
// header once Savanna is active (§4.2 step 1): the legacy producer-schedule
// versioning scheme is frozen at this value, since proposer rotation is now
// carried entirely by ProposerPolicy.
const SavannaScheduleVersion uint32 = 0xffffffff

// GenesisBlockNum is the block number of the Savanna activation block. The
// finality core and block-header-state genesis paths special-case it.
const GenesisBlockNum uint32 = 0

// ProposerScheduleConfig configures round timing for proposer policy
// promotion (§4.2.1).
type ProposerScheduleConfig struct {
	// ProducerRepetitions is the number of consecutive slots one producer
	// holds before rotating to the next, i.e. a "round" is
	// ProducerRepetitions slots long.
	ProducerRepetitions uint32
}

// DefaultProposerScheduleConfig returns the configuration used throughout
// this engine's own tests and end-to-end scenarios: 12 slots/producer.
func DefaultProposerScheduleConfig() ProposerScheduleConfig {
	return ProposerScheduleConfig{ProducerRepetitions: 12}
}

// Validate checks the configuration is usable.
func (c ProposerScheduleConfig) Validate() error {
	if c.ProducerRepetitions == 0 {
		return fmt.Errorf("consensus: ProducerRepetitions must be > 0")
	}
	return nil
}
