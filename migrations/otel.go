package migrations

import (
	"fmt"

	"github.com/evergreen-ci/docstore"
	"go.opentelemetry.io/otel"
)

var packageName = fmt.Sprintf("%s%s", docstore.PackageName, "/migrations")

var tracer = otel.GetTracerProvider().Tracer(packageName)
