package model

import "github.com/samcharles93/zerothermal/internal/nn"

// ConfigError is returned for inputs that disagree with the model's
// configuration: sequences longer than max_seq_len, ragged batches, width
// mismatches and invalid config values.
type ConfigError = nn.ConfigError
