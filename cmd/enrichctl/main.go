package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/leadfold/enrich/callback"
)

const iniFilename = "enrich.ini"

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "status", "Show task statuses of a job", `
Show the current status of every task of a job, assembled from the
worker's result store and audit log.
`, &cmdStatus{})

	addCmd(parser, "failed", "List failed tasks", `
List tasks whose newest delivery failed and which haven't since
completed, newest first.
`, &cmdFailed{})

	addCmd(parser, "retry", "Re-enqueue failed tasks of a job", `
Re-enqueue the failed tasks of a job from their recorded delivery
payloads, optionally narrowed to one task kind or entity.
`, &cmdRetry{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	mbp.Must(err, "failed to add flags parser command")
	return cmd
}

// workerClient is the connection configuration shared by all commands,
// and a thin HTTP client over the worker's admin API.
type workerClient struct {
	Address    string `long:"address" env:"ADDRESS" default:"http://localhost:8080" description:"Base URL of the worker"`
	Token      string `long:"token" env:"TOKEN" description:"Bearer token presented to the worker"`
	Issuer     string `long:"issuer" env:"ISSUER" default:"enrich-queue" description:"Issuer of self-minted tokens"`
	SigningKey string `long:"signing-key" env:"SIGNING_KEY" description:"HS256 key for self-minting a token, when --worker.token is unset"`
	Timeout    int    `long:"timeout" env:"TIMEOUT" default:"30" description:"Request timeout, in seconds"`
}

// bearer returns the token to present: the explicit --worker.token, or
// one minted from the shared signing key with the worker as audience.
func (c *workerClient) bearer(ctx context.Context) (string, error) {
	if c.Token != "" {
		return c.Token, nil
	}
	if c.SigningKey == "" {
		return "", fmt.Errorf("one of --worker.token or --worker.signing-key is required")
	}
	var minter, err = callback.NewHS256Minter(c.Issuer, []byte(c.SigningKey))
	if err != nil {
		return "", err
	}
	return minter.Token(ctx, c.Address)
}

func (c *workerClient) get(ctx context.Context, path string, query url.Values, into interface{}) error {
	return c.do(ctx, http.MethodGet, path, query, into)
}

func (c *workerClient) post(ctx context.Context, path string, query url.Values, into interface{}) error {
	return c.do(ctx, http.MethodPost, path, query, into)
}

func (c *workerClient) do(ctx context.Context, method, path string, query url.Values, into interface{}) error {
	var base, err = url.Parse(c.Address)
	if err != nil {
		return fmt.Errorf("parsing worker address: %w", err)
	}
	var target = base.JoinPath(path)
	target.RawQuery = query.Encode()

	token, err := c.bearer(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	var client = &http.Client{Timeout: time.Duration(c.Timeout) * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var reply struct {
			Error string `json:"error"`
		}
		if err = json.Unmarshal(body, &reply); err == nil && reply.Error != "" {
			return fmt.Errorf("worker: %s (%s)", reply.Error, resp.Status)
		}
		return fmt.Errorf("worker: %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return json.Unmarshal(body, into)
}

var green = color.New(color.FgGreen).SprintFunc()
var yellow = color.New(color.FgYellow).SprintFunc()
var red = color.New(color.FgRed).SprintFunc()

func coloredStatus(status string) string {
	switch status {
	case string(callback.StatusCompleted):
		return green(status)
	case string(callback.StatusFailed):
		return red(status)
	default:
		return yellow(status)
	}
}

// columns prints rows under a header, sizing each column to its widest
// cell. Colored cells pass their plain text separately for sizing.
type columns struct {
	header []string
	rows   [][]cell
}

type cell struct{ plain, colored string }

func plainCell(s string) cell { return cell{plain: s} }

func (c *columns) add(cells ...cell) { c.rows = append(c.rows, cells) }

func (c *columns) print() {
	var widths = make([]int, len(c.header))
	for i, h := range c.header {
		widths[i] = len(h)
	}
	for _, row := range c.rows {
		for i, cell := range row {
			if len(cell.plain) > widths[i] {
				widths[i] = len(cell.plain)
			}
		}
	}
	for i, h := range c.header {
		fmt.Printf("%-*s  ", widths[i], h)
	}
	fmt.Println()
	for _, row := range c.rows {
		for i, cell := range row {
			var pad = widths[i] - len(cell.plain)
			var text = cell.colored
			if text == "" {
				text = cell.plain
			}
			fmt.Printf("%s%*s  ", text, pad, "")
		}
		fmt.Println()
	}
}
