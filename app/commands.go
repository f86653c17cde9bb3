package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/urfave/cli"
	"go.dedis.ch/onet/v3/log"
	"io/ioutil"
	"lattigo-worker/service/capability/lattice"
	"lattigo-worker/service/messages"
	"lattigo-worker/service/pipeline"
	"lattigo-worker/service/schema"
	"lattigo-worker/service/worker"
	"lattigo-worker/utils"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
)

// loadConfig reads the configuration file. A missing file is only an error when it was named explicitly.
func loadConfig(c *cli.Context) (*Config, error) {
	filename := c.String("config")
	if _, err := os.Stat(filename); os.IsNotExist(err) && !c.IsSet("config") {
		log.Lvl2("No configuration file", filename, ", using defaults")
		return &Config{}, nil
	}
	config, err := ReadConfig(filename)
	if err != nil {
		return nil, err
	}
	if config.Debug > 0 && !c.GlobalIsSet("debug") {
		log.SetDebugVisible(config.Debug)
	}
	return config, nil
}

func runWorker(c *cli.Context) error {
	config, err := loadConfig(c)
	if err != nil {
		return err
	}
	if server := c.String("server"); server != "" {
		config.Server = server
	}
	if key := c.String("key"); key != "" {
		config.APIKey = key
	}
	if err := config.Check(); err != nil {
		return errors.New("invalid configuration: " + err.Error())
	}

	backend, err := lattice.NewBackend(config.Parameters())
	if err != nil {
		return err
	}
	w := worker.NewWorker(backend, worker.Config{
		Server:         config.Server,
		APIKey:         config.APIKey,
		RewardInterval: config.RewardInterval.Duration,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Lvl1("Starting worker", w.ID())
	err = w.Run(ctx)
	stats := w.Stats()
	log.Lvlf1("Requested %d, processed %d, failed %d, submitted %d chunks, rejected %d frames",
		stats.Requested, stats.Processed, stats.Failed, stats.Submitted, stats.Rejected)
	if timing, terr := w.Timing(); terr == nil && timing.Count > 0 {
		log.Lvlf1("Evaluation time: mean %.3fs, median %.3fs, 95th percentile %.3fs",
			timing.Mean, timing.Median, timing.P95)
	}
	return err
}

func checkConfig(c *cli.Context) error {
	config, err := loadConfig(c)
	if err != nil {
		return err
	}
	backend, err := lattice.NewBackend(config.Parameters())
	if err != nil {
		return err
	}
	for _, scheme := range []messages.SchemeType{messages.IntegerScheme, messages.ApproximateScheme} {
		ctx, err := backend.Initialize(scheme)
		if err != nil {
			return err
		}
		ctx.Close()
	}
	log.Lvl1("Parameters are valid")
	if err := config.Check(); err != nil {
		log.Warn("The worker cannot run:", err)
	}

	filename := c.String("schema")
	if filename == "" {
		return nil
	}
	s, err := readSchema(filename)
	if err != nil {
		return err
	}
	log.Lvl1("Schema", filename, "is valid:", s.Len(), "operations under", s.SchemeType)
	return nil
}

func readSchema(filename string) (*schema.OperationSchema, error) {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return schema.Parse(data)
}

// parseColumn reads "<name>=<v1>,<v2>,...".
func parseColumn(arg string) (string, []float64, error) {
	parts := strings.SplitN(arg, "=", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", nil, errors.New("column must be <name>=<values>, got " + arg)
	}
	fields := strings.Split(parts[1], ",")
	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return "", nil, fmt.Errorf("column %s: %v", parts[0], err)
		}
		values[i] = v
	}
	return parts[0], values, nil
}

func writeFixture(c *cli.Context) error {
	config, err := loadConfig(c)
	if err != nil {
		return err
	}
	scheme, err := messages.ParseSchemeType(c.String("scheme"))
	if err != nil {
		return err
	}

	lt, err := utils.NewLocalTest(scheme, config.Parameters(), c.IntSlice("rotation"))
	if err != nil {
		return err
	}
	for _, arg := range c.StringSlice("column") {
		name, values, err := parseColumn(arg)
		if err != nil {
			return err
		}
		if err := lt.AddColumn(name, values); err != nil {
			return err
		}
	}

	out := c.String("out")
	if err := lt.WriteToFile(out); err != nil {
		return err
	}
	log.Lvl1("Wrote", scheme, "fixture", lt.ID, "with columns", lt.ColumnNames(), "to", out)
	return nil
}

// evalFixture evaluates with the parameters stored in the fixture, whatever the configuration says.
func evalFixture(c *cli.Context) error {
	if _, err := loadConfig(c); err != nil {
		return err
	}
	lt := &utils.LocalTest{}
	if err := lt.ReadFromFile(c.String("fixture")); err != nil {
		return err
	}
	if c.String("schema") == "" {
		return errors.New("no schema file given")
	}
	s, err := readSchema(c.String("schema"))
	if err != nil {
		return err
	}

	backend := lattice.NewBackendFromParameters(lt.Integer, lt.Approximate)
	keys, err := lt.KeyMaterial()
	if err != nil {
		return err
	}
	chunk := lt.Chunk("local")
	result, err := pipeline.NewEvaluator(backend).EvaluateSchema(s, chunk, keys)
	if err != nil {
		return err
	}

	values, err := lt.Decrypt(result, chunk.Length)
	if err != nil {
		return err
	}
	fmt.Println(values)
	return nil
}
