package factory

import (
	"github.com/davecgh/go-spew/spew"

	"github.com/free5gc/go-tcflower/internal/logger"
)

const (
	TcfDefaultConfigPath  = "./config/tcfcfg.yaml"
	TcfDefaultMetricsAddr = "0.0.0.0:9464"
	TcfDefaultForwarder   = "tc"
	TcfExpectedVersion    = "1.0.0"
)

type Config struct {
	Version     string   `yaml:"version"     valid:"required,in(1.0.0)"`
	Description string   `yaml:"description" valid:"optional"`
	Offload     *Offload `yaml:"offload"     valid:"required"`
	Logger      *Logger  `yaml:"logger"      valid:"required"`
}

type Offload struct {
	Forwarder string `yaml:"forwarder" valid:"optional,in(tc)"`
	// none, skip_sw or skip_hw; rules may override it
	Policy string `yaml:"policy"    valid:"optional,in(none|skip_sw|skip_hw)"`
	// compare the kernel echo of every installed rule with the request
	Verify bool   `yaml:"verify"    valid:"optional"`
	Netns  string `yaml:"netns"     valid:"optional"`
	// listen address of the /metrics endpoint used by watch
	Metrics string `yaml:"metrics"   valid:"optional,dialstring"`
}

type Logger struct {
	Enable       bool   `yaml:"enable"       valid:"optional"`
	Level        string `yaml:"level"        valid:"required,in(trace|debug|info|warn|error|fatal|panic)"`
	ReportCaller bool   `yaml:"reportCaller" valid:"optional"`
}

func (c *Config) GetVersion() string {
	return c.Version
}

func (c *Config) Print() {
	spew.Config.Indent = "\t"
	str := spew.Sdump(c)
	logger.CfgLog.Infof("==================================================")
	logger.CfgLog.Infof("%s", str)
	logger.CfgLog.Infof("==================================================")
}

// DefaultConfig is used when no config file is given.
func DefaultConfig() *Config {
	return &Config{
		Version: TcfExpectedVersion,
		Offload: &Offload{
			Forwarder: TcfDefaultForwarder,
			Policy:    "none",
			Verify:    true,
			Metrics:   TcfDefaultMetricsAddr,
		},
		Logger: &Logger{
			Enable: true,
			Level:  "info",
		},
	}
}
