// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package ops wraps the normaliser and its collaborators into JSON-serializable
// operators, executed within a context that carries logging and resource limits.
package ops

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"

	"github.com/mlnoga/mtnorm/internal/voxel"
)

// Returned when the estimated scratch memory of a run exceeds the context limit
var ErrInsufficientMemory = errors.New("insufficient memory")

// An execution context for operators
type Context struct {
	Log        io.Writer // progress and result output
	Verbose    bool      // detailed per-pass output
	MemoryMB   int       // memory.TotalMemory()/1024/1024
	LimitMB    int       // memory budget for a run, MemoryMB*percent/100
	MaxThreads int       `json:"maxThreads"`
	CPU        string    // processor description, for log output
}

// Creates a context with the given thread count (0 for all logical CPUs) and
// share of physical memory in percent
func NewContext(log io.Writer, threads, memoryPercent int) *Context {
	memoryMB := int(memory.TotalMemory() / 1024 / 1024)
	if memoryPercent <= 0 || memoryPercent > 100 {
		memoryPercent = 70
	}
	return &Context{
		Log:        log,
		MemoryMB:   memoryMB,
		LimitMB:    memoryMB * memoryPercent / 100,
		MaxThreads: voxel.Threads(threads),
		CPU:        describeCPU(),
	}
}

func describeCPU() string {
	avx2 := ""
	if cpuid.CPU.AVX2() {
		avx2 = ", AVX2"
	}
	return fmt.Sprintf("%s, %d physical cores, %d logical cores%s",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, avx2)
}

// Logs processor and memory configuration
func (c *Context) LogResources() {
	fmt.Fprintf(c.Log, "Running on %s with %d threads. Physical memory is %d MB, limit for a run is %d MB.\n",
		c.CPU, c.MaxThreads, c.MemoryMB, c.LimitMB)
}

// Checks an estimated requirement in bytes against the memory limit. A zero limit disables the check
func (c *Context) CheckMemory(bytes int64) error {
	needMB := int(bytes / 1024 / 1024)
	if c.LimitMB > 0 && needMB > c.LimitMB {
		return fmt.Errorf("%w: run needs about %d MB, limit is %d MB", ErrInsufficientMemory, needMB, c.LimitMB)
	}
	return nil
}

// An operator: runs within a context and returns a JSON-serializable report or an error
type Operator interface {
	GetType() string
	IsActive() bool
	Run(c *Context) (report interface{}, err error)
}

// Base type for operators, including type information for JSON serializing/deserializing
type OpBase struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

func (op *OpBase) GetType() string { return op.Type }
func (op *OpBase) IsActive() bool  { return op.Active }

// Factory method for operators. For JSON serializing/deserializing
type OperatorFactory func() Operator

// Mapping from operator type strings to factory method for the type
var operatorFactories = map[string]OperatorFactory{}

// Returns the operator factory for a given type string
func GetOperatorFactory(t string) OperatorFactory {
	return operatorFactories[t]
}

// Registers a given type string for a given type of Operator, identified via an exemplar generator
func SetOperatorFactory(f OperatorFactory) {
	op := f()
	t := op.GetType()
	if GetOperatorFactory(t) != nil {
		panic(fmt.Sprintf("error: re-registering operator key %s\n", t))
	}
	operatorFactories[t] = f
}

// Decodes an operator from JSON. The type field selects the implementation,
// whose defaults apply to fields absent from the input
func UnmarshalOperator(data []byte) (Operator, error) {
	var base OpBase
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}
	factory := GetOperatorFactory(base.Type)
	if factory == nil {
		return nil, fmt.Errorf("unknown operator type '%s'", base.Type)
	}
	op := factory()
	if err := json.Unmarshal(data, op); err != nil {
		return nil, err
	}
	return op, nil
}
