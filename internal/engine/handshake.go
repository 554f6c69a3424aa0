package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"oprime/internal/types"
)

// =============================================================================
// FILE HANDSHAKE
// =============================================================================
// The Manager and the Worker exchange work through two well-known files under
// each project's workspace: the instruction file the Manager writes and the
// result file the Worker writes back. Instructions overwrite in place; results
// are consumed by moving them into a timestamped slot under processed/ so a
// result is never destroyed, only archived.

// Well-known handshake file names. The instruction file lives under the
// project's instructions directory, the result file under its dev logs
// directory.
const (
	InstructionFileName = "next_step.txt"
	ResultFileName      = "cursor_step_output.txt"
	processedDirName    = "processed"
)

// writeInstructionFile overwrites the instruction file with the given text.
func writeInstructionFile(dir, instruction string) (string, error) {
	path := filepath.Join(dir, InstructionFileName)
	if err := os.WriteFile(path, []byte(instruction), 0644); err != nil {
		return "", types.NewEngineError(types.ErrFileWrite, "writing instruction file", err)
	}
	return path, nil
}

// archiveResultFile moves a consumed result file into logsDir/processed/ under
// a timestamped name. The microsecond component keeps names unique even when
// results land within the same second.
func archiveResultFile(path, logsDir string) (string, error) {
	processed := filepath.Join(logsDir, processedDirName)
	if err := os.MkdirAll(processed, 0755); err != nil {
		return "", types.NewEngineError(types.ErrFileWrite, "creating processed directory", err)
	}

	now := time.Now()
	stem := ResultFileName[:len(ResultFileName)-len(filepath.Ext(ResultFileName))]
	name := fmt.Sprintf("%s_%s_%06d.txt", stem, now.Format("20060102_150405"), now.Nanosecond()/1000)
	dest := filepath.Join(processed, name)

	if err := os.Rename(path, dest); err != nil {
		return "", types.NewEngineError(types.ErrFileWrite, "archiving result file", err)
	}
	return dest, nil
}
