// Package minhook drives the MinHook library as a transactional detour
// service.
package minhook

import "fmt"

// Status mirrors MH_STATUS. Non-OK values are usable as errors.
type Status int32

const (
	Unknown                Status = -1
	OK                     Status = 0
	ErrAlreadyInitialized  Status = 1
	ErrNotInitialized      Status = 2
	ErrAlreadyCreated      Status = 3
	ErrNotCreated          Status = 4
	ErrEnabled             Status = 5
	ErrDisabled            Status = 6
	ErrNotExecutable       Status = 7
	ErrUnsupportedFunction Status = 8
	ErrMemoryAlloc         Status = 9
	ErrMemoryProtect       Status = 10
	ErrModuleNotFound      Status = 11
	ErrFunctionNotFound    Status = 12
)

var statusNames = map[Status]string{
	Unknown:                "MH_UNKNOWN",
	OK:                     "MH_OK",
	ErrAlreadyInitialized:  "MH_ERROR_ALREADY_INITIALIZED",
	ErrNotInitialized:      "MH_ERROR_NOT_INITIALIZED",
	ErrAlreadyCreated:      "MH_ERROR_ALREADY_CREATED",
	ErrNotCreated:          "MH_ERROR_NOT_CREATED",
	ErrEnabled:             "MH_ERROR_ENABLED",
	ErrDisabled:            "MH_ERROR_DISABLED",
	ErrNotExecutable:       "MH_ERROR_NOT_EXECUTABLE",
	ErrUnsupportedFunction: "MH_ERROR_UNSUPPORTED_FUNCTION",
	ErrMemoryAlloc:         "MH_ERROR_MEMORY_ALLOC",
	ErrMemoryProtect:       "MH_ERROR_MEMORY_PROTECT",
	ErrModuleNotFound:      "MH_ERROR_MODULE_NOT_FOUND",
	ErrFunctionNotFound:    "MH_ERROR_FUNCTION_NOT_FOUND",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("MH_STATUS(%d)", int32(s))
}

func (s Status) Error() string {
	return "minhook: " + s.String()
}

// statusOf decodes an MH_STATUS return register. Only the low 32 bits are
// defined.
func statusOf(r1 uintptr) Status {
	return Status(int32(uint32(r1)))
}

// check turns OK into nil and anything else into the Status error.
func check(s Status) error {
	if s == OK {
		return nil
	}
	return s
}
