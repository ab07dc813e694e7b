package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/oriys/quasar/internal/domain"
)

// functionManifest is the YAML shape accepted by deploy -f. Code points at
// a zip file or a directory to zip.
type functionManifest struct {
	Name                string            `yaml:"name"`
	Runtime             string            `yaml:"runtime"`
	Handler             string            `yaml:"handler"`
	MemoryMB            int               `yaml:"memory_mb"`
	TimeoutS            int               `yaml:"timeout_s"`
	Env                 map[string]string `yaml:"env"`
	ReservedConcurrency *int              `yaml:"reserved_concurrency"`
	Code                string            `yaml:"code"`
}

func deployCmd() *cobra.Command {
	var (
		manifestPath string
		runtime      string
		handler      string
		codePath     string
		memoryMB     int
		timeoutS     int
		reserved     int
		envVars      []string
	)

	cmd := &cobra.Command{
		Use:   "deploy [name]",
		Short: "Create a function or push new code to an existing one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var m functionManifest
			fromManifest := manifestPath != ""
			if fromManifest {
				data, err := os.ReadFile(manifestPath)
				if err != nil {
					return err
				}
				if err := yaml.Unmarshal(data, &m); err != nil {
					return fmt.Errorf("parse manifest: %w", err)
				}
				if len(args) == 1 {
					m.Name = args[0]
				}
			} else {
				if len(args) != 1 {
					return errors.New("function name required (or use -f with a manifest)")
				}
				env, err := parseEnv(envVars)
				if err != nil {
					return err
				}
				m = functionManifest{
					Name:     args[0],
					Runtime:  runtime,
					Handler:  handler,
					MemoryMB: memoryMB,
					TimeoutS: timeoutS,
					Env:      env,
					Code:     codePath,
				}
				if cmd.Flags().Changed("reserved-concurrency") {
					m.ReservedConcurrency = &reserved
				}
			}
			if m.Name == "" {
				return errors.New("function name is required")
			}
			if m.Code == "" {
				return errors.New("code path is required")
			}

			zipBytes, err := packageCode(m.Code)
			if err != nil {
				return err
			}
			codeB64 := base64.StdEncoding.EncodeToString(zipBytes)

			c := newClient()
			fn, err := createFunction(c, m, codeB64)
			if err == nil {
				fmt.Printf("Deployed function: %s (version %d, %d KiB)\n",
					fn.Name, fn.Version, len(zipBytes)/1024)
				return nil
			}
			var se *statusError
			if !errors.As(err, &se) || se.status != http.StatusConflict {
				return err
			}

			// The function exists: push the new code, then any
			// configuration change riding along.
			var updated domain.Function
			if err := c.doJSON(http.MethodPut, "/2015-03-31/functions/"+m.Name+"/code",
				map[string]string{"code_zip_b64": codeB64}, &updated); err != nil {
				return err
			}
			if patch := configurationPatch(cmd, m, fromManifest); patch != nil {
				if err := c.doJSON(http.MethodPut, "/2015-03-31/functions/"+m.Name+"/configuration",
					patch, &updated); err != nil {
					return err
				}
			}
			if m.ReservedConcurrency != nil {
				if err := c.doJSON(http.MethodPut, "/2017-10-31/functions/"+m.Name+"/concurrency",
					map[string]int{"ReservedConcurrentExecutions": *m.ReservedConcurrency}, nil); err != nil {
					return err
				}
			}
			fmt.Printf("Updated function: %s (version %d, %d KiB)\n",
				updated.Name, updated.Version, len(zipBytes)/1024)
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "file", "f", "", "Function manifest (YAML)")
	cmd.Flags().StringVarP(&runtime, "runtime", "r", "", "Runtime (python3.12, nodejs20.x, go1.x)")
	cmd.Flags().StringVarP(&handler, "handler", "H", "", "Handler entry point")
	cmd.Flags().StringVarP(&codePath, "code", "c", "", "Code zip or directory")
	cmd.Flags().IntVarP(&memoryMB, "memory", "m", 0, "Memory limit (MB)")
	cmd.Flags().IntVarP(&timeoutS, "timeout", "t", 0, "Timeout (seconds)")
	cmd.Flags().IntVar(&reserved, "reserved-concurrency", 0, "Reserved concurrency")
	cmd.Flags().StringArrayVarP(&envVars, "env", "e", nil, "Environment KEY=VALUE (repeatable)")

	return cmd
}

func createFunction(c *client, m functionManifest, codeB64 string) (*domain.Function, error) {
	body := map[string]any{
		"name":         m.Name,
		"runtime":      m.Runtime,
		"handler":      m.Handler,
		"memory_mb":    m.MemoryMB,
		"timeout_s":    m.TimeoutS,
		"env":          m.Env,
		"code_zip_b64": codeB64,
	}
	if m.ReservedConcurrency != nil {
		body["reserved_concurrency"] = *m.ReservedConcurrency
	}
	var fn domain.Function
	if err := c.doJSON(http.MethodPost, "/2015-03-31/functions", body, &fn); err != nil {
		return nil, err
	}
	return &fn, nil
}

// configurationPatch returns the update body for an existing function, or
// nil when nothing beyond the code changed. Flag-driven deploys only patch
// flags the user actually set, so an unrelated deploy cannot reset memory
// or timeout to the flag defaults.
func configurationPatch(cmd *cobra.Command, m functionManifest, fromManifest bool) map[string]any {
	changed := func(flag string, set bool) bool {
		if fromManifest {
			return set
		}
		return cmd.Flags().Changed(flag)
	}

	patch := map[string]any{}
	if changed("handler", m.Handler != "") {
		patch["handler"] = m.Handler
	}
	if changed("memory", m.MemoryMB > 0) {
		patch["memory_mb"] = m.MemoryMB
	}
	if changed("timeout", m.TimeoutS > 0) {
		patch["timeout_s"] = m.TimeoutS
	}
	if changed("env", len(m.Env) > 0) {
		patch["env"] = m.Env
	}
	if len(patch) == 0 {
		return nil
	}
	return patch
}
