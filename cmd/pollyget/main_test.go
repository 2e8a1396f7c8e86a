package main

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"testing"
)

type testCase struct {
	args   []string
	stdout []string
	stderr string
}

var mainTestCases = []testCase{
	{[]string{"--resolver", "not-an-ip:53", "http://example.com/"}, []string{},
		"must be a literal IPv4 address"},
	{[]string{"--resolver", "127.0.0.1:notaport", "http://example.com/"}, []string{},
		"Invalid upstream port"},
}

func TestMain(t *testing.T) {
	for tx, tc := range mainTestCases {
		runTest(t, tx, tc)
	}
}

// A resolver socket that never answers makes the whole request time out after -t
func TestMainTimesOut(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal("Silent resolver setup failed", err)
	}
	defer pc.Close()

	for tx, tc := range []testCase{
		{[]string{"-t", "250ms", "--resolver", pc.LocalAddr().String(),
			"http://unanswerable.example/"}, []string{}, "request timed out"},
		{[]string{"-r", "2", "-t", "250ms", "--resolver", pc.LocalAddr().String(),
			"http://unanswerable.example/"}, []string{}, "request timed out"},
	} {
		runTest(t, 100+tx, tc)
	}
}

// This function is used by usage_test.go as well
func runTest(t *testing.T, tx int, tc testCase) {
	t.Run(fmt.Sprintf("%d", tx), func(t *testing.T) {
		args := append([]string{"pollyget"}, tc.args...)
		out := &bytes.Buffer{}
		err := &bytes.Buffer{}
		mainInit(out, err)
		ec := mainExecute(args)

		outStr := out.String()
		errStr := err.String()

		if ec != 0 && len(tc.stderr) == 0 {
			t.Error("Unexpected non-zero exit code", ec, outStr, errStr)
		}

		if len(errStr) > 0 && len(tc.stderr) == 0 {
			t.Error("Did not expect stderr:", errStr)
		}
		if len(tc.stderr) > 0 && !strings.Contains(errStr, tc.stderr) {
			t.Error("Stderr expected:\n", tc.stderr, "Got:\n", errStr, args)
		}
		for _, o := range tc.stdout {
			if !strings.Contains(outStr, o) {
				t.Error("Stdout expected:\n", o, "Got:\n", outStr, args)
			}
		}
	})
}
