package factory

import (
	"os"

	"github.com/asaskevich/govalidator"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/free5gc/go-tcflower/internal/logger"
)

// InitConfigFactory reads the yaml file f into cfg.
func InitConfigFactory(f string, cfg *Config) error {
	if f == "" {
		f = TcfDefaultConfigPath
	}

	content, err := os.ReadFile(f)
	if err != nil {
		return errors.Wrapf(err, "read config %q", f)
	}
	logger.CfgLog.Infof("Read config from [%s]", f)

	if err = yaml.Unmarshal(content, cfg); err != nil {
		return errors.Wrapf(err, "unmarshal config %q", f)
	}
	return nil
}

func ReadConfig(cfgPath string) (*Config, error) {
	cfg := &Config{}
	if err := InitConfigFactory(cfgPath, cfg); err != nil {
		return nil, errors.Wrapf(err, "ReadConfig [%s]", cfgPath)
	}
	if _, err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "validate config [%s]", cfgPath)
	}
	cfg.Print()
	return cfg, nil
}

// Validate checks the struct tags and fills defaults left empty.
func (c *Config) Validate() (bool, error) {
	if ok, err := govalidator.ValidateStruct(c); !ok {
		return false, err
	}
	if c.Offload.Forwarder == "" {
		c.Offload.Forwarder = TcfDefaultForwarder
	}
	if c.Offload.Policy == "" {
		c.Offload.Policy = "none"
	}
	return true, nil
}

// ReadRuleFile loads and validates a rule file.
func ReadRuleFile(path string) (*RuleFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read rule file %q", path)
	}
	rf := &RuleFile{}
	if err = yaml.UnmarshalStrict(content, rf); err != nil {
		return nil, errors.Wrapf(err, "unmarshal rule file %q", path)
	}
	if _, err = rf.Validate(); err != nil {
		return nil, errors.Wrapf(err, "validate rule file %q", path)
	}
	return rf, nil
}
