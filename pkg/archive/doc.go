// Package archive exports usage events to object storage, one
// newline-delimited JSON object per UTC day:
//
//	s3, _ := archive.NewS3Store(ctx, archive.S3Config{Bucket: "tally-usage", Region: "us-east-1"})
//	exporter := archive.NewExporter(store, s3, archive.WithPrefix("usage"))
//	res, err := exporter.ExportPreviousDay(ctx)
//
// Objects are keyed usage/YYYY/MM/DD.ndjson. A day already present is
// skipped, which makes the daily job safe to rerun.
package archive
