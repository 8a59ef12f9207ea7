// Command xsctl is the minimal CLI collaborator spec.md §6.4 and
// SPEC_FULL.md §C call out: append/read/export/import against a running
// xsd's Unix socket. It talks fasthttp-to-fasthttp, the same client/server
// pairing the teacher uses for its own aisnode<->CLI traffic, rather than
// introducing a second HTTP stack.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

var cli struct {
	socket string
	token  string
}

func init() {
	flag.StringVar(&cli.socket, "socket", "", "path to xsd's Unix socket")
	flag.StringVar(&cli.token, "token", "", "bearer token, if xsd was started with an auth secret")
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 || cli.socket == "" {
		usage()
		os.Exit(2)
	}
	client := newClient(cli.socket)

	var err error
	switch args[0] {
	case "append":
		err = cmdAppend(client, args[1:])
	case "read":
		err = cmdRead(client, args[1:])
	case "export":
		err = cmdExport(client, args[1:])
	case "import":
		err = cmdImport(client, args[1:])
	case "version":
		err = cmdVersion(client)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "xsctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: xsctl -socket <path> <command> [args]

commands:
  append <topic> [context_id]   append stdin as content for <topic>
  read <topic> [context_id]     catch-up read, newline-delimited JSON frames
  export <dir>                  dump the whole store: frames.ndjson + blobs/<digest>
  import <dir>                  reverse of export
  version                       print the daemon's wire version`)
}

// newClient dials a fixed Unix socket regardless of the host fasthttp puts
// in the request line, the same "addr is a label, Dial ignores it" pattern
// fasthttp's own documentation recommends for non-TCP transports.
func newClient(socketPath string) *fasthttp.HostClient {
	return &fasthttp.HostClient{
		Addr: "xs.sock",
		Dial: func(string) (net.Conn, error) {
			return (&net.Dialer{Timeout: 5 * time.Second}).DialContext(context.Background(), "unix", socketPath)
		},
	}
}

func doReq(client *fasthttp.HostClient, method, path string, headers map[string]string, body []byte) (*fasthttp.Response, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	req.Header.SetMethod(method)
	req.SetRequestURI(path)
	if cli.token != "" {
		req.Header.Set("Authorization", "Bearer "+cli.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.SetBody(body)
	}
	if err := client.Do(req, resp); err != nil {
		fasthttp.ReleaseResponse(resp)
		return nil, err
	}
	return resp, nil
}

func cmdVersion(client *fasthttp.HostClient) error {
	resp, err := doReq(client, "GET", "/version", nil, nil)
	if err != nil {
		return err
	}
	defer fasthttp.ReleaseResponse(resp)
	fmt.Println(string(resp.Body()))
	return nil
}

func cmdAppend(client *fasthttp.HostClient, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("append: topic required")
	}
	topic := args[0]
	headers := map[string]string{}
	if len(args) > 1 {
		headers["X-Context-Id"] = args[1]
	}
	content, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	resp, err := doReq(client, "POST", "/append/"+topic, headers, content)
	if err != nil {
		return err
	}
	defer fasthttp.ReleaseResponse(resp)
	if resp.StatusCode() != fasthttp.StatusOK {
		return fmt.Errorf("append: %s", resp.Body())
	}
	fmt.Println(string(resp.Body()))
	return nil
}

func cmdRead(client *fasthttp.HostClient, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("read: topic required")
	}
	q := map[string]interface{}{"topic": args[0]}
	if len(args) > 1 {
		q["context_id"] = args[1]
	}
	body, err := wireJSON.Marshal(q)
	if err != nil {
		return err
	}
	resp, err := doReq(client, "POST", "/read", nil, body)
	if err != nil {
		return err
	}
	defer fasthttp.ReleaseResponse(resp)
	if resp.StatusCode() != fasthttp.StatusOK {
		return fmt.Errorf("read: %s", resp.Body())
	}
	sc := bufio.NewScanner(strings.NewReader(string(resp.Body())))
	for sc.Scan() {
		fmt.Println(sc.Text())
	}
	return sc.Err()
}

// cmdExport walks /read from-beginning over all topics/contexts and writes
// frames.ndjson plus one file per distinct content digest under dir/blobs,
// per spec.md §6.4's export contract.
func cmdExport(client *fasthttp.HostClient, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("export: target directory required")
	}
	dir := args[0]
	if err := os.MkdirAll(dir+"/blobs", 0o755); err != nil {
		return err
	}
	body, err := wireJSON.Marshal(map[string]interface{}{"follow": "off"})
	if err != nil {
		return err
	}
	resp, err := doReq(client, "POST", "/read", nil, body)
	if err != nil {
		return err
	}
	defer fasthttp.ReleaseResponse(resp)
	if resp.StatusCode() != fasthttp.StatusOK {
		return fmt.Errorf("export: read: %s", resp.Body())
	}

	out, err := os.Create(dir + "/frames.ndjson")
	if err != nil {
		return err
	}
	defer out.Close()

	seen := map[string]bool{}
	sc := bufio.NewScanner(strings.NewReader(string(resp.Body())))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if _, err := out.WriteString(line + "\n"); err != nil {
			return err
		}
		var f struct {
			Hash string `json:"hash"`
		}
		if err := wireJSON.UnmarshalFromString(line, &f); err != nil || f.Hash == "" || seen[f.Hash] {
			continue
		}
		seen[f.Hash] = true
		bResp, err := doReq(client, "GET", "/cas_get/"+f.Hash, nil, nil)
		if err != nil {
			return err
		}
		if bResp.StatusCode() == fasthttp.StatusOK {
			if werr := os.WriteFile(dir+"/blobs/"+f.Hash, bResp.Body(), 0o644); werr != nil {
				fasthttp.ReleaseResponse(bResp)
				return werr
			}
		}
		fasthttp.ReleaseResponse(bResp)
	}
	return sc.Err()
}

// cmdImport reverses cmdExport: cas_put every sidecar blob first (digests
// must re-derive identically), then import each frame preserving its
// original id (spec.md §6.4).
func cmdImport(client *fasthttp.HostClient, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("import: source directory required")
	}
	dir := args[0]
	blobsDir := dir + "/blobs"
	entries, err := os.ReadDir(blobsDir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			content, rerr := os.ReadFile(blobsDir + "/" + e.Name())
			if rerr != nil {
				return rerr
			}
			resp, perr := doReq(client, "POST", "/cas_put", nil, content)
			if perr != nil {
				return perr
			}
			if resp.StatusCode() != fasthttp.StatusOK {
				err := fmt.Errorf("import: cas_put %s: %s", e.Name(), resp.Body())
				fasthttp.ReleaseResponse(resp)
				return err
			}
			fasthttp.ReleaseResponse(resp)
		}
	}

	in, err := os.Open(dir + "/frames.ndjson")
	if err != nil {
		return err
	}
	defer in.Close()
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		resp, ierr := doReq(client, "POST", "/import", nil, line)
		if ierr != nil {
			return ierr
		}
		if resp.StatusCode() != fasthttp.StatusOK {
			err := fmt.Errorf("import: %s", resp.Body())
			fasthttp.ReleaseResponse(resp)
			return err
		}
		fasthttp.ReleaseResponse(resp)
	}
	return sc.Err()
}
