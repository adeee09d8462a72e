package core

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// outputDecoder turns raw child output into UTF-8 text using the chain
// UTF-8 -> legacy encoding -> lossy replacement. It never fails.
type outputDecoder struct {
	legacy encoding.Encoding
}

func newOutputDecoder(name string) outputDecoder {
	name = strings.TrimSpace(name)
	if name == "" {
		return outputDecoder{legacy: simplifiedchinese.GBK}
	}
	if strings.EqualFold(name, "none") {
		return outputDecoder{}
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return outputDecoder{legacy: simplifiedchinese.GBK}
	}
	return outputDecoder{legacy: enc}
}

func (d outputDecoder) Decode(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	if utf8.Valid(raw) {
		return string(raw)
	}
	if d.legacy != nil {
		// x/text decoders substitute U+FFFD instead of failing, so a
		// replacement rune in the result means the legacy decode missed too.
		out, err := d.legacy.NewDecoder().Bytes(raw)
		if err == nil && !bytes.ContainsRune(out, utf8.RuneError) {
			return string(out)
		}
	}
	return strings.ToValidUTF8(string(raw), "�")
}
