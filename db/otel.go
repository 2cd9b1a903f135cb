package db

import (
	"fmt"

	"github.com/evergreen-ci/docstore"
	"go.opentelemetry.io/otel"
)

var packageName = fmt.Sprintf("%s%s", docstore.PackageName, "/db")

var tracer = otel.GetTracerProvider().Tracer(packageName)
