package convex

import (
	"strings"

	"github.com/golang/glog"
)

// Logging convention in the `convex` package:
// Info:
//     abnormal but recovered events. Silent on normal operation.
//     this includes:
//     - connection drops and forced resyncs
//     - auth errors reported by the server
// V(1):
//     connection lifecycle (dial, handshake, close reason)
// V(2):
//     per-message trace: sends, transitions, dropped stale responses

// FunctionLogFunction receives console output emitted by a server-side
// function, line by line, as it arrives attached to transitions and
// responses.
type FunctionLogFunction func(level string, functionKind string, udfPath string, line string)

func glogFunctionLog(level string, functionKind string, udfPath string, line string) {
	glog.Infof("[udf][%s]%s %s: %s\n", functionKind, udfPath, level, line)
}

// server log lines arrive as "[LEVEL] message"
func splitLogLine(line string) (level string, message string) {
	if strings.HasPrefix(line, "[") {
		if end := strings.Index(line, "] "); end > 0 {
			return line[1:end], line[end+2:]
		}
	}
	return "LOG", line
}

func emitLogLines(logFn FunctionLogFunction, functionKind string, udfPath string, lines []string) {
	if logFn == nil {
		return
	}
	for _, line := range lines {
		level, message := splitLogLine(line)
		logFn(level, functionKind, udfPath, message)
	}
}
