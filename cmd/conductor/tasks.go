package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/pkg/config"
	"github.com/aixgo-dev/conductor/pkg/security"
)

// taskFile is the on-disk form of a submission.
type taskFile struct {
	Pipeline string         `yaml:"pipeline"`
	Input    map[string]any `yaml:"input"`
	Tasks    []*agent.Task  `yaml:"tasks"`
}

func readTaskFile(path string) (*taskFile, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open tasks: %w", err)
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(io.LimitReader(r, config.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}
	if len(data) > config.MaxFileSize {
		return nil, fmt.Errorf("tasks file too large: limit is %d bytes", config.MaxFileSize)
	}
	return parseTaskFile(data)
}

func parseTaskFile(data []byte) (*taskFile, error) {
	if err := security.CheckYAML(data, security.DefaultYAMLLimits()); err != nil {
		return nil, fmt.Errorf("parse tasks: %w", err)
	}

	var tf taskFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		if errors.Is(err, io.EOF) {
			return &tf, nil
		}
		return nil, fmt.Errorf("parse tasks: %w", err)
	}
	for i, t := range tf.Tasks {
		if t == nil {
			return nil, fmt.Errorf("parse tasks: entry %d is empty", i)
		}
	}
	return &tf, nil
}
