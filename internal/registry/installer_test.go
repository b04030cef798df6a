package registry

import (
	"context"
	"runtime"
	"testing"
)

func TestNopInstaller(t *testing.T) {
	if err := (NopInstaller{}).Install(context.Background(), "anything"); err != nil {
		t.Errorf("Install() error = %v", err)
	}
}

func TestExecInstaller(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on unix coreutils")
	}

	ok := ExecInstaller{Command: []string{"true"}}
	if err := ok.Install(context.Background(), "libfoo"); err != nil {
		t.Errorf("Install() error = %v", err)
	}

	failing := ExecInstaller{Command: []string{"false"}}
	if err := failing.Install(context.Background(), "libfoo"); err == nil {
		t.Error("Install() should surface command failure")
	}

	unset := ExecInstaller{}
	if err := unset.Install(context.Background(), "libfoo"); err == nil {
		t.Error("Install() without a command should fail")
	}
}
