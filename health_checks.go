// health_checks.go: custom health probes run by the health monitor
//
// Probes are a closed set of variants. Each variant is a plain struct and the
// monitor dispatches on the concrete type, so adding a probe kind means adding a
// case to runProbe rather than satisfying an open interface.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/heptiolabs/healthcheck"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// CheckKind tags a probe variant in configuration.
type CheckKind string

const (
	CheckPing               CheckKind = "ping"
	CheckAPIEndpoint        CheckKind = "api-endpoint"
	CheckDatabaseConnection CheckKind = "database-connection"
	CheckGRPCHealth         CheckKind = "grpc-health"
	CheckCustom             CheckKind = "custom"
)

const defaultProbeTimeout = 5 * time.Second

// Check is one configured probe. The set of implementations is closed.
type Check interface {
	Name() string
	Kind() CheckKind
	isCheck()
}

// PingCheck passes when the extension process exists.
type PingCheck struct {
	CheckName string
}

// APIEndpointCheck passes when the endpoint is reachable. http and https URLs are
// probed with a GET that must answer 2xx; anything else is dialled as host:port.
type APIEndpointCheck struct {
	CheckName string
	Endpoint  string
	Timeout   time.Duration
}

// DatabaseConnectionCheck passes when the database answers a ping.
type DatabaseConnectionCheck struct {
	CheckName string
	DB        *sql.DB
	Timeout   time.Duration

	owned bool
}

// GRPCHealthCheck passes when the target reports SERVING on the standard gRPC
// health service.
type GRPCHealthCheck struct {
	CheckName string
	Target    string
	Service   string
	Timeout   time.Duration
}

// CustomCheckFunc is a user supplied probe. A nil return means healthy.
type CustomCheckFunc func(ctx context.Context, extension string) error

// CustomCheck wraps a CustomCheckFunc.
type CustomCheck struct {
	CheckName string
	Fn        CustomCheckFunc
}

func (c PingCheck) Name() string               { return checkName(c.CheckName, CheckPing) }
func (c APIEndpointCheck) Name() string        { return checkName(c.CheckName, CheckAPIEndpoint) }
func (c DatabaseConnectionCheck) Name() string { return checkName(c.CheckName, CheckDatabaseConnection) }
func (c GRPCHealthCheck) Name() string         { return checkName(c.CheckName, CheckGRPCHealth) }
func (c CustomCheck) Name() string             { return checkName(c.CheckName, CheckCustom) }

func (PingCheck) Kind() CheckKind               { return CheckPing }
func (APIEndpointCheck) Kind() CheckKind        { return CheckAPIEndpoint }
func (DatabaseConnectionCheck) Kind() CheckKind { return CheckDatabaseConnection }
func (GRPCHealthCheck) Kind() CheckKind         { return CheckGRPCHealth }
func (CustomCheck) Kind() CheckKind             { return CheckCustom }

func (PingCheck) isCheck()               {}
func (APIEndpointCheck) isCheck()        {}
func (DatabaseConnectionCheck) isCheck() {}
func (GRPCHealthCheck) isCheck()         {}
func (CustomCheck) isCheck()             {}

// Close releases a database handle opened from a CheckSpec.
func (c DatabaseConnectionCheck) Close() error {
	if c.owned && c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

func checkName(name string, kind CheckKind) string {
	if name != "" {
		return name
	}
	return string(kind)
}

// CheckSpec is the configuration form of a probe.
type CheckSpec struct {
	Name     string        `json:"name" yaml:"name"`
	Type     CheckKind     `json:"type" yaml:"type"`
	Endpoint string        `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Service  string        `json:"service,omitempty" yaml:"service,omitempty"`
	Driver   string        `json:"driver,omitempty" yaml:"driver,omitempty"`
	DSN      string        `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// BuildCheck turns a CheckSpec into a Check. Custom probes are looked up by name
// in customs.
func BuildCheck(spec CheckSpec, customs map[string]CustomCheckFunc) (Check, error) {
	switch spec.Type {
	case CheckPing:
		return PingCheck{CheckName: spec.Name}, nil

	case CheckAPIEndpoint:
		if spec.Endpoint == "" {
			return nil, NewConfigValidationError(fmt.Sprintf("check %q: endpoint is required", spec.Name))
		}
		return APIEndpointCheck{CheckName: spec.Name, Endpoint: spec.Endpoint, Timeout: spec.Timeout}, nil

	case CheckDatabaseConnection:
		if spec.Driver == "" || spec.DSN == "" {
			return nil, NewConfigValidationError(fmt.Sprintf("check %q: driver and dsn are required", spec.Name))
		}
		db, err := sql.Open(spec.Driver, spec.DSN)
		if err != nil {
			return nil, NewConfigValidationError(fmt.Sprintf("check %q: %v", spec.Name, err))
		}
		return DatabaseConnectionCheck{CheckName: spec.Name, DB: db, Timeout: spec.Timeout, owned: true}, nil

	case CheckGRPCHealth:
		if spec.Endpoint == "" {
			return nil, NewConfigValidationError(fmt.Sprintf("check %q: endpoint is required", spec.Name))
		}
		return GRPCHealthCheck{CheckName: spec.Name, Target: spec.Endpoint, Service: spec.Service, Timeout: spec.Timeout}, nil

	case CheckCustom:
		fn, ok := customs[spec.Name]
		if !ok || fn == nil {
			return nil, NewConfigValidationError(fmt.Sprintf("check %q: no custom probe registered under that name", spec.Name))
		}
		return CustomCheck{CheckName: spec.Name, Fn: fn}, nil

	default:
		return nil, NewUnsupportedCheckError(spec.Name, spec.Type)
	}
}

// probeResult is the outcome of one probe.
type probeResult struct {
	name    string
	kind    CheckKind
	err     error
	latency time.Duration
}

// probeEnv is what probes may consult about the extension.
type probeEnv struct {
	extension  string
	controller ProcessController
}

// runProbe executes one probe. A panicking probe is reported as a failure of that
// probe only.
func runProbe(ctx context.Context, env probeEnv, c Check) (res probeResult) {
	res = probeResult{name: c.Name(), kind: c.Kind()}
	start := time.Now()
	defer func() {
		res.latency = time.Since(start)
		if r := recover(); r != nil {
			panicCount.Add(1)
			res.err = NewCheckPanicError(env.extension, res.name, r)
		}
	}()

	var err error
	switch p := c.(type) {
	case PingCheck:
		err = pingProbe(ctx, env)
	case APIEndpointCheck:
		err = endpointProbe(p)
	case DatabaseConnectionCheck:
		if p.DB == nil {
			err = fmt.Errorf("no database handle configured")
			break
		}
		err = healthcheck.DatabasePingCheck(p.DB, probeTimeout(p.Timeout))()
	case GRPCHealthCheck:
		err = grpcHealthProbe(ctx, p)
	case CustomCheck:
		if p.Fn == nil {
			err = fmt.Errorf("custom probe has no function")
			break
		}
		err = p.Fn(ctx, env.extension)
	default:
		err = NewUnsupportedCheckError(c.Name(), c.Kind())
	}

	if err != nil {
		res.err = NewTransientCheckError(env.extension, res.name, err)
	}
	return res
}

func probeTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultProbeTimeout
	}
	return d
}

func pingProbe(ctx context.Context, env probeEnv) error {
	if env.controller == nil {
		return fmt.Errorf("no process controller configured")
	}
	running, err := env.controller.IsRunning(ctx, env.extension)
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("process is not running")
	}
	return nil
}

func endpointProbe(p APIEndpointCheck) error {
	timeout := probeTimeout(p.Timeout)
	if strings.HasPrefix(p.Endpoint, "http://") || strings.HasPrefix(p.Endpoint, "https://") {
		return healthcheck.HTTPGetCheck(p.Endpoint, timeout)()
	}
	return healthcheck.TCPDialCheck(p.Endpoint, timeout)()
}

func grpcHealthProbe(ctx context.Context, p GRPCHealthCheck) error {
	conn, err := grpc.NewClient(p.Target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	callCtx, cancel := context.WithTimeout(ctx, probeTimeout(p.Timeout))
	defer cancel()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: p.Service})
	if err != nil {
		return err
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health status %s", resp.GetStatus().String())
	}
	return nil
}

// closeChecks releases resources held by probes built from configuration.
func closeChecks(checks []Check) {
	for _, c := range checks {
		if db, ok := c.(DatabaseConnectionCheck); ok {
			_ = db.Close()
		}
	}
}
