// Package jsp (JSON persistence) saves and loads small JSON-encoded
// structures durably: write to a temp file, fsync, rename into place. Used
// for xs's config file - the log and blob store have their own,
// larger-scale durability paths.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package jsp

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pierrec/lz4/v3"
	"github.com/pkg/errors"

	"github.com/xshost/xs/cmn/cos"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Options struct {
	Compress bool // wrap the encoded bytes in lz4 framing
	Checksum bool // prefix the file with a sha256 of the encoded bytes
}

func Plain() Options { return Options{} }

// Save encodes v as JSON and durably writes it to filepath via a
// tmp-then-rename swap, exactly as the teacher's cmn/jsp.Save does.
func Save(filepath string, v interface{}, opts Options) (err error) {
	tmp := filepath + ".tmp." + cos.GenTie()
	file, err := cos.CreateFile(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = cos.RemoveFile(tmp)
		}
	}()

	var w io.Writer = file
	var lzw *lz4.Writer
	if opts.Compress {
		lzw = lz4.NewWriter(file)
		w = lzw
	}

	raw, err := json.Marshal(v)
	if err != nil {
		cos.Close(file)
		return errors.Wrap(err, "jsp: marshal")
	}
	if opts.Checksum {
		sum := sha256.Sum256(raw)
		if _, err = file.WriteString(hex.EncodeToString(sum[:]) + "\n"); err != nil {
			cos.Close(file)
			return errors.Wrap(err, "jsp: write checksum")
		}
	}
	if _, err = w.Write(raw); err != nil {
		cos.Close(file)
		return errors.Wrap(err, "jsp: write")
	}
	if lzw != nil {
		if err = lzw.Close(); err != nil {
			cos.Close(file)
			return errors.Wrap(err, "jsp: close lz4 writer")
		}
	}
	if err = cos.FlushClose(file); err != nil {
		return errors.Wrap(err, "jsp: flush")
	}
	return os.Rename(tmp, filepath)
}

// Load decodes filepath into v, verifying the checksum prefix when opts.Checksum
// was used to write it.
func Load(filepath string, v interface{}, opts Options) error {
	raw, err := os.ReadFile(filepath)
	if err != nil {
		return err
	}
	if opts.Checksum {
		if len(raw) < 65 {
			return errors.New("jsp: truncated file, missing checksum")
		}
		wantHex, body := string(raw[:64]), raw[65:]
		sum := sha256.Sum256(body)
		if hex.EncodeToString(sum[:]) != wantHex {
			return errors.Errorf("jsp: checksum mismatch for %s", filepath)
		}
		raw = body
	}
	if opts.Compress {
		r := lz4.NewReader(bytes.NewReader(raw))
		raw, err = io.ReadAll(r)
		if err != nil {
			return errors.Wrap(err, "jsp: lz4 decode")
		}
	}
	return json.Unmarshal(raw, v)
}
