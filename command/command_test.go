package command

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestOutputCapturesStdout(t *testing.T) {
	runner := New()

	out, err := runner.Output(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out != "hello\n" {
		t.Errorf("expected %q, got %q", "hello\n", out)
	}
}

func TestOutputReportsStderrOnFailure(t *testing.T) {
	runner := New()

	_, err := runner.Output(context.Background(), "sh", "-c", "echo boom 1>&2; exit 3")
	if err == nil {
		t.Fatal("expected an error for a failing command")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected stderr in error, got %v", err)
	}
	if !strings.Contains(err.Error(), "exit status 3") {
		t.Errorf("expected exit status in error, got %v", err)
	}
}

func TestStreamCollectsBothStreams(t *testing.T) {
	runner := New()

	var buf bytes.Buffer
	err := runner.Stream(context.Background(), &buf, "sh", "-c", "echo out; echo err 1>&2")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "out") {
		t.Errorf("expected stdout in stream, got %q", got)
	}
	if !strings.Contains(got, "err") {
		t.Errorf("expected stderr in stream, got %q", got)
	}
}

func TestStreamReportsExitFailure(t *testing.T) {
	runner := New()

	var buf bytes.Buffer
	err := runner.Stream(context.Background(), &buf, "sh", "-c", "echo partial; exit 1")
	if err == nil {
		t.Fatal("expected an error for a failing command")
	}
	if !strings.Contains(buf.String(), "partial") {
		t.Errorf("expected output produced before failure to be streamed, got %q", buf.String())
	}
}

func TestOutputHonorsContext(t *testing.T) {
	runner := New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runner.Output(ctx, "sleep", "10")
	if err == nil {
		t.Fatal("expected an error when the context is already cancelled")
	}
}

func TestDescribe(t *testing.T) {
	got := Describe("scp", "-P", "26378", "patch.diff", "root@ssh4.vast.ai:~/")
	want := "scp -P 26378 patch.diff root@ssh4.vast.ai:~/"

	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
