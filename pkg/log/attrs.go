package log

import "log/slog"

func SandboxID[T ~string](id T) slog.Attr {
	return slog.String("sandbox_id", string(id))
}

func JobID[T ~string](id T) slog.Attr {
	return slog.String("job_id", string(id))
}

func JobType[T ~string](jobType T) slog.Attr {
	return slog.String("job_type", string(jobType))
}

func RunID[T ~string](id T) slog.Attr {
	return slog.String("run_id", string(id))
}

func ProjectID[T ~string](id T) slog.Attr {
	return slog.String("project_id", string(id))
}

func OperationType[T ~string](opType T) slog.Attr {
	return slog.String("operation_type", string(opType))
}

func Slot(idx int) slog.Attr {
	return slog.Int("slot", idx)
}

func Generation(gen int64) slog.Attr {
	return slog.Int64("generation", gen)
}

func Status[T ~string](status T) slog.Attr {
	return slog.String("status", string(status))
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}

func ErrorString(msg string) slog.Attr {
	return slog.String("error", msg)
}
