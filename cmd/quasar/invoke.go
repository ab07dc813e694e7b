package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func invokeCmd() *cobra.Command {
	var (
		payload     string
		payloadFile string
		qualifier   string
		event       bool
		showLogs    bool
	)

	cmd := &cobra.Command{
		Use:   "invoke <name>",
		Short: "Invoke a function and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := []byte(payload)
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return err
				}
				input = data
			}
			if len(input) == 0 {
				input = []byte("{}")
			}
			if !json.Valid(input) {
				return fmt.Errorf("payload is not valid JSON")
			}

			headers := map[string]string{}
			if event {
				headers["X-Amz-Invocation-Type"] = "Event"
			}
			if showLogs {
				headers["X-Amz-Log-Type"] = "Tail"
			}

			path := "/2015-03-31/functions/" + args[0] + "/invocations"
			if qualifier != "" {
				path += "?Qualifier=" + url.QueryEscape(qualifier)
			}

			// No timeout here: the call legitimately blocks for the
			// function's full runtime plus a cold start.
			c := newClient()
			resp, err := c.do(context.Background(), http.MethodPost, path, json.RawMessage(input), headers)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}

			if logB64 := resp.Header.Get("X-Amz-Log-Result"); logB64 != "" {
				if logs, err := base64.StdEncoding.DecodeString(logB64); err == nil {
					fmt.Fprintln(os.Stderr, "--- function logs ---")
					fmt.Fprintln(os.Stderr, strings.TrimRight(string(logs), "\n"))
					fmt.Fprintln(os.Stderr, "---------------------")
				}
			}

			if resp.StatusCode == http.StatusAccepted {
				fmt.Println("Invocation accepted")
				return nil
			}

			printJSON(body)

			if fnErr := resp.Header.Get("X-Amz-Function-Error"); fnErr != "" {
				return fmt.Errorf("function returned an error (%s)", fnErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Read the payload from a file")
	cmd.Flags().StringVarP(&qualifier, "qualifier", "q", "", "Version qualifier")
	cmd.Flags().BoolVar(&event, "event", false, "Fire-and-forget (async) invocation")
	cmd.Flags().BoolVar(&showLogs, "logs", false, "Print the invocation log tail")

	return cmd
}

func printJSON(body []byte) {
	var buf bytes.Buffer
	if json.Indent(&buf, body, "", "  ") == nil {
		fmt.Println(buf.String())
		return
	}
	fmt.Println(string(body))
}
