// Package deploy creates and updates Lambda functions described by a
// directory of JSON files.
package deploy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

var (
	// ErrInvalidConfig reports a function file missing a required key.
	ErrInvalidConfig = errors.New("invalid function config")
	// ErrUnknownRuntime reports a runtime Lambda does not offer.
	ErrUnknownRuntime = errors.New("unknown runtime")
	// ErrInvalidRetention reports a logRetention CloudWatch Logs rejects.
	ErrInvalidRetention = errors.New("invalid log retention")
)

// retentionDays are the values PutRetentionPolicy accepts.
var retentionDays = []int32{1, 3, 5, 7, 14, 30, 60, 90, 120, 150, 180, 365, 400, 545, 731, 1096, 1827, 2192, 2557, 2922, 3288, 3653}

// FunctionConfig describes one function.
type FunctionConfig struct {
	FunctionName string `json:"functionName"`
	Handler      string `json:"handler"`
	Runtime      string `json:"runtime"`
	S3Key        string `json:"s3Key"`

	Description string            `json:"description,omitempty"`
	MemorySize  int32             `json:"memorySize,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	// Timeout is in seconds.
	Timeout int32 `json:"timeout,omitempty"`
	// VPC is a comma-separated list of subnet ids.
	VPC            string   `json:"vpc,omitempty"`
	SecurityGroups []string `json:"securityGroups,omitempty"`
	RoleARN        string   `json:"roleArn,omitempty"`
	// LogRetention is in days.
	LogRetention int32 `json:"logRetention,omitempty"`

	// Path is the file the config was read from.
	Path string `json:"-"`
}

// Subnets splits VPC into subnet ids.
func (c *FunctionConfig) Subnets() []string {
	var ids []string
	for _, s := range strings.Split(c.VPC, ",") {
		if s = strings.TrimSpace(s); s != "" {
			ids = append(ids, s)
		}
	}
	return ids
}

// Validate checks required keys and enumerated values.
func (c *FunctionConfig) Validate() error {
	missing := []string{}
	for key, v := range map[string]string{
		"functionName": c.FunctionName,
		"handler":      c.Handler,
		"runtime":      c.Runtime,
		"s3Key":        c.S3Key,
	} {
		if v == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: %s: missing %s", ErrInvalidConfig, c.Path, strings.Join(missing, ", "))
	}
	if !slices.Contains(lambdatypes.Runtime("").Values(), lambdatypes.Runtime(c.Runtime)) {
		return fmt.Errorf("%w: %s: %q", ErrUnknownRuntime, c.Path, c.Runtime)
	}
	if c.LogRetention != 0 && !slices.Contains(retentionDays, c.LogRetention) {
		return fmt.Errorf("%w: %s: %d days", ErrInvalidRetention, c.Path, c.LogRetention)
	}
	if len(c.SecurityGroups) > 0 && len(c.Subnets()) == 0 {
		return fmt.Errorf("%w: %s: securityGroups needs vpc subnets", ErrInvalidConfig, c.Path)
	}
	return nil
}

// LoadDir reads every *.json file in dir whose name does not contain
// "disabled", in file name order.
func LoadDir(dir string) ([]FunctionConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading function directory: %w", err)
	}

	var configs []FunctionConfig
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" || strings.Contains(name, "disabled") {
			continue
		}
		fc, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		configs = append(configs, *fc)
	}
	return configs, nil
}

// LoadFile reads and validates one function file.
func LoadFile(path string) (*FunctionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var fc FunctionConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", ErrInvalidConfig, path, err)
	}
	fc.Path = path
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}
