// Package logattr holds the slog attribute constructors shared by relay components.
package logattr

import (
	"log/slog"
	"time"
)

func ServiceName(serviceName string) slog.Attr {
	return slog.String("service_name", serviceName)
}

func Component(component string) slog.Attr {
	return slog.String("component", component)
}

func CorrelationID(correlationID string) slog.Attr {
	return slog.String("correlation_id", correlationID)
}

func Kind(kind string) slog.Attr {
	return slog.String("kind", kind)
}

func Status(status string) slog.Attr {
	return slog.String("status", status)
}

func Topic(topic string) slog.Attr {
	return slog.String("topic", topic)
}

func Duration(d time.Duration) slog.Attr {
	return slog.Int64("duration_ms", d.Milliseconds())
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
