package pms

import (
	"sync"

	"github.com/google/uuid"

	"github.com/chompskiecodes/voicebook/internal/clinic"
	"github.com/chompskiecodes/voicebook/pkg/logging"
)

// Factory hands out one Client per clinic so the per-clinic rate limiter is
// shared by every request that clinic makes, across all workers in the
// process.
type Factory struct {
	cfg     Config
	logger  *logging.Logger
	metrics Recorder

	mu      sync.Mutex
	clients map[uuid.UUID]*Client
}

// NewFactory creates a client factory.
func NewFactory(cfg Config, logger *logging.Logger, metrics Recorder) *Factory {
	if logger == nil {
		logger = logging.Default()
	}
	return &Factory{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		clients: make(map[uuid.UUID]*Client),
	}
}

// ForClinic returns the clinic's client, building it on first use from the
// clinic's stored credentials.
func (f *Factory) ForClinic(c *clinic.Clinic) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.clients[c.ID]; ok {
		return existing
	}
	client := NewClient(c.PMSAPIKey, c.PMSShard, f.cfg, f.logger.Component("pms"), f.metrics)
	f.clients[c.ID] = client
	return client
}
