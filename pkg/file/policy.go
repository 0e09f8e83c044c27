package file

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/samueltorres/circuit/pkg/policy"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const policyKey = "aura"

// PolicyService serves the accumulator policy from a yaml file and reloads
// it whenever the file changes. A reload that fails keeps the last good policy.
type PolicyService struct {
	viper  *viper.Viper
	logger *logrus.Logger

	mux    *sync.RWMutex
	policy policy.Policy
}

func NewPolicyService(file string, logger *logrus.Logger) (*PolicyService, error) {
	ps, err := newPolicyService(file, logger)
	if err != nil {
		return nil, err
	}

	ps.viper.OnConfigChange(ps.onConfigChange)
	ps.viper.WatchConfig()

	return ps, nil
}

func (ps *PolicyService) onConfigChange(e fsnotify.Event) {
	ps.logger.WithField("file", e.Name).Info("policy file changed")
	if err := ps.reload(); err != nil {
		ps.logger.WithError(err).Error("keeping previous policy")
	}
}

func newPolicyService(file string, logger *logrus.Logger) (*PolicyService, error) {
	v := viper.New()
	v.SetConfigFile(file)
	err := v.ReadInConfig()
	if err != nil {
		return nil, errors.Wrap(err, "error reading in policy file config")
	}

	ps := &PolicyService{
		viper:  v,
		logger: logger,
		mux:    &sync.RWMutex{},
	}

	err = ps.loadPolicy()
	if err != nil {
		return nil, errors.Wrap(err, "error loading policy")
	}

	return ps, nil
}

func (ps *PolicyService) Policy() policy.Policy {
	ps.mux.RLock()
	defer ps.mux.RUnlock()

	return ps.policy
}

func (ps *PolicyService) reload() error {
	err := ps.viper.ReadInConfig()
	if err != nil {
		return errors.Wrap(err, "error reading in policy file config")
	}
	return ps.loadPolicy()
}

func (ps *PolicyService) loadPolicy() error {
	p := policy.Default()
	err := ps.viper.UnmarshalKey(policyKey, &p)
	if err != nil {
		return errors.Wrap(err, "error on policy config unmarshal")
	}

	err = p.Validate()
	if err != nil {
		return errors.Wrap(err, "policy file is invalid")
	}

	ps.mux.Lock()
	ps.policy = p
	ps.mux.Unlock()

	ps.logger.WithFields(logrus.Fields{
		"cap":            p.Cap,
		"debounce_delay": p.DebounceDelay,
		"flush_timeout":  p.FlushTimeout,
		"session_ttl":    p.SessionTTL,
	}).Info("policy loaded")

	return nil
}
