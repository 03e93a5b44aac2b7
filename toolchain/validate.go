//  Copyright 2019 Google Inc. All Rights Reserved.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package toolchain

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kilnforge/kiln/kerr"
)

// ProbeResult is one validation-suite probe's outcome (spec §4.8
// "results are written to a verification report").
type ProbeResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report is the full validation suite's outcome.
type Report struct {
	OK     bool          `json:"ok"`
	Probes []ProbeResult `json:"probes"`
}

func pass(name, detail string) ProbeResult { return ProbeResult{Name: name, OK: true, Detail: detail} }
func fail(name, detail string) ProbeResult { return ProbeResult{Name: name, OK: false, Detail: detail} }

// compileAndRun writes src to a scratch directory, compiles it with
// compiler and the given extra args, and runs the resulting binary,
// returning its combined output.
func compileAndRun(ctx context.Context, dir, compiler, ext, src string, extraArgs ...string) (string, error) {
	srcPath := filepath.Join(dir, "probe"+ext)
	binPath := filepath.Join(dir, "probe.out")
	if err := os.WriteFile(srcPath, []byte(src), 0644); err != nil {
		return "", err
	}
	defer os.Remove(srcPath)
	defer os.Remove(binPath)

	args := append([]string{srcPath, "-o", binPath}, extraArgs...)
	cmd := exec.CommandContext(ctx, compiler, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return string(out), err
	}

	run := exec.CommandContext(ctx, binPath)
	out, err := run.CombinedOutput()
	return string(out), err
}

const cHello = `#include <stdio.h>
int main(void) { printf("kiln-toolchain-probe\n"); return 0; }
`

const cxxHello = `#include <iostream>
int main() { std::cout << "kiln-toolchain-probe" << std::endl; return 0; }
`

const fortranHello = `      program hello
      print *, 'kiln-toolchain-probe'
      end program hello
`

const pthreadPrintf = `#include <pthread.h>
#include <stdio.h>
void *run(void *arg) { printf("kiln-toolchain-probe\n"); return 0; }
int main(void) {
	pthread_t t;
	pthread_create(&t, 0, run, 0);
	pthread_join(t, 0);
	return 0;
}
`

// quickValidate runs the cheap single-probe check SetActive performs
// after every switch: compile and execute a trivial C program (spec §4.8
// "runs a quick validation (compile-and-execute of a trivial C program)").
func quickValidate(ctx context.Context, binDir string) error {
	dir, err := os.MkdirTemp("", "kiln-toolchain-quick")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	out, err := compileAndRun(ctx, dir, filepath.Join(binDir, "cc"), ".c", cHello)
	if err != nil {
		return kerr.New(kerr.ToolchainValidationFailed, "", "quick_validate", err).WithStderr(out)
	}
	if !strings.Contains(out, "kiln-toolchain-probe") {
		return kerr.New(kerr.ToolchainValidationFailed, "", "quick_validate", nil).WithReason("probe binary produced unexpected output")
	}
	return nil
}

// Validate runs the full suite spec §4.8 describes: compile-and-execute
// probes for C, C++ and (optionally) Fortran; --version invocations of
// the linker, assembler and archiver; a pthread+printf link test; a
// kernel-headers probe; and libtoolize --version. A pass requires every
// probe to succeed.
func (m *Manager) Validate(ctx context.Context, checkFortran bool) (*Report, error) {
	dir, err := os.MkdirTemp("", "kiln-toolchain-validate")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	var probes []ProbeResult
	ok := true
	record := func(p ProbeResult) {
		probes = append(probes, p)
		if !p.OK {
			ok = false
		}
	}

	cc := filepath.Join(m.BinDir, "cc")
	cxx := filepath.Join(m.BinDir, "c++")

	if out, err := compileAndRun(ctx, dir, cc, ".c", cHello); err != nil {
		record(fail("compile_run_c", err.Error()+": "+out))
	} else {
		record(pass("compile_run_c", out))
	}

	if out, err := compileAndRun(ctx, dir, cxx, ".cpp", cxxHello); err != nil {
		record(fail("compile_run_cxx", err.Error()+": "+out))
	} else {
		record(pass("compile_run_cxx", out))
	}

	if checkFortran {
		if out, err := compileAndRun(ctx, dir, "gfortran", ".f90", fortranHello); err != nil {
			record(fail("compile_run_fortran", err.Error()+": "+out))
		} else {
			record(pass("compile_run_fortran", out))
		}
	}

	for _, tool := range []string{"ld", "as", "ar"} {
		out, err := exec.CommandContext(ctx, tool, "--version").CombinedOutput()
		if err != nil {
			record(fail(tool+"_version", err.Error()))
		} else {
			record(pass(tool+"_version", strings.SplitN(string(out), "\n", 2)[0]))
		}
	}

	if out, err := compileAndRun(ctx, dir, cc, ".c", pthreadPrintf, "-lpthread"); err != nil {
		record(fail("pthread_link", err.Error()+": "+out))
	} else {
		record(pass("pthread_link", out))
	}

	if _, err := os.Stat("/usr/include/linux/version.h"); err != nil {
		record(fail("kernel_headers", err.Error()))
	} else {
		record(pass("kernel_headers", "/usr/include/linux present"))
	}

	if out, err := exec.CommandContext(ctx, "libtoolize", "--version").CombinedOutput(); err != nil {
		record(fail("libtoolize_version", err.Error()))
	} else {
		record(pass("libtoolize_version", strings.SplitN(string(out), "\n", 2)[0]))
	}

	return &Report{OK: ok, Probes: probes}, nil
}
