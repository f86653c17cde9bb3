package main

import (
	"errors"
	"github.com/BurntSushi/toml"
	"github.com/tuneinsight/lattigo/v5/he/hefloat"
	"github.com/tuneinsight/lattigo/v5/he/heint"
	"go.dedis.ch/onet/v3/log"
	"lattigo-worker/service/capability/lattice"
	"time"
)

// Config is the content of the worker's TOML file. Omitted parameter sets fall back to
// lattice.DefaultParameters.
type Config struct {
	Server         string
	APIKey         string
	RewardInterval duration
	Debug          int

	Integer     *IntegerParameters
	Approximate *ApproximateParameters
}

type IntegerParameters struct {
	LogN             int
	LogQ             []int
	LogP             []int
	PlaintextModulus uint64
}

type ApproximateParameters struct {
	LogN            int
	LogQ            []int
	LogP            []int
	LogDefaultScale int
}

// duration reads values such as "10s" or "500ms".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// ReadConfig decodes a TOML file. Unknown keys are reported but tolerated.
func ReadConfig(filename string) (*Config, error) {
	config := &Config{}
	md, err := toml.DecodeFile(filename, config)
	if err != nil {
		return nil, errors.New("could not decode " + filename + ": " + err.Error())
	}
	for _, key := range md.Undecoded() {
		log.Warn("Ignoring unknown configuration key", key.String())
	}
	return config, nil
}

// Parameters returns the parameter literals of both schemes.
func (c *Config) Parameters() lattice.Parameters {
	params := lattice.DefaultParameters()
	if c.Integer != nil {
		params.Integer = heint.ParametersLiteral{
			LogN:             c.Integer.LogN,
			LogQ:             c.Integer.LogQ,
			LogP:             c.Integer.LogP,
			PlaintextModulus: c.Integer.PlaintextModulus,
		}
	}
	if c.Approximate != nil {
		params.Approximate = hefloat.ParametersLiteral{
			LogN:            c.Approximate.LogN,
			LogQ:            c.Approximate.LogQ,
			LogP:            c.Approximate.LogP,
			LogDefaultScale: c.Approximate.LogDefaultScale,
		}
	}
	return params
}

// Check returns an error when the worker cannot run with this configuration.
func (c *Config) Check() error {
	if c.Server == "" {
		return errors.New("no server address given")
	}
	if c.APIKey == "" {
		return errors.New("no API key given")
	}
	if c.RewardInterval.Duration < 0 {
		return errors.New("negative reward interval")
	}
	_, err := lattice.NewBackend(c.Parameters())
	return err
}
