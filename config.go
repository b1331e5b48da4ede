package evloop

import (
	"io/ioutil"
	"strings"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

type Global struct {
	LogLevel string `yaml:"log_level" toml:"log_level"`
}

type TCPManagerConfig struct {
	Name            string   `yaml:"name" toml:"name"`
	ListenPort      uint16   `yaml:"listen_port" toml:"listen_port"`
	ListenHostnames []string `yaml:"listen_hostnames" toml:"listen_hostnames"`
	RecvBufSize     uint16   `yaml:"recv_bufsize" toml:"recv_bufsize"`
}

type Config struct {
	Global      Global             `yaml:"global" toml:"global"`
	TCPManagers []TCPManagerConfig `yaml:"tcp_managers" toml:"tcp_managers"`
}

// LoadConfig reads a .toml or .yaml configuration file.
func LoadConfig(filePath string) (*Config, error) {
	file, err := ioutil.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	if strings.HasSuffix(filePath, ".toml") {
		err = toml.Unmarshal(file, config)
	} else if strings.HasSuffix(filePath, ".yaml") {
		err = yaml.Unmarshal(file, config)
	} else {
		err = ErrInvalidArgument
	}
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Apply writes the file form into the manager's parameter map, which the
// manager reads at start.
func (c *TCPManagerConfig) Apply(cm *TCPConnectionManager) {
	params := cm.Params()
	if c.ListenPort != 0 {
		params.Set(ParamListenPort, c.ListenPort)
	}
	if len(c.ListenHostnames) == 1 {
		params.Set(ParamListenHostnames, c.ListenHostnames[0])
	} else if len(c.ListenHostnames) > 1 {
		params.Set(ParamListenHostnames, c.ListenHostnames)
	}
	if c.RecvBufSize != 0 {
		params.Set(ParamRecvBufSize, c.RecvBufSize)
	}
}
