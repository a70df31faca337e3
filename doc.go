// Package qbridge provides an incremental extraction engine for Quickbase
// applications. It discovers the tables of one hosted application, derives
// a portable, warehouse-safe schema per table, and extracts records
// incrementally by each table's last-modified field.
//
// # Architecture
//
// The engine is organized as a source connector:
//
// 1. Discovery: the Quickbase client (pkg/quickbase) lists the app's
// tables and fields; the connector (pkg/connector/sources/quickbase)
// normalizes identifiers, maps remote field types to portable types, and
// resolves each table's primary key and replication key.
//
// 2. Extraction: each table becomes an incremental record stream that
// pages through the remote records/query endpoint, sorted ascending by
// the replication key so watermarks can be checkpointed as records flow.
//
// 3. Sanitization: values that are representable in Quickbase's JSON-like
// encoding but not in standard JSON (NaN, Infinity, empty temporal
// strings) are nulled before records leave the connector.
//
// Two fixed metadata streams, qb_meta_tables and qb_meta_fields, emit the
// raw remote catalog for downstream inspection.
//
// # Quick Start
//
//	import (
//	    "context"
//
//	    "github.com/dataglider/qbridge/pkg/config"
//	    "github.com/dataglider/qbridge/pkg/connector/registry"
//
//	    _ "github.com/dataglider/qbridge/pkg/connector/sources/quickbase"
//	)
//
//	cfg := config.NewBaseConfig("quickbase", "quickbase")
//	cfg.Security.Credentials["qb_hostname"] = "realm.quickbase.com"
//	cfg.Security.Credentials["qb_appid"] = "your-app-id"
//	cfg.Security.Credentials["qb_user_token"] = "your-user-token"
//
//	source, _ := registry.CreateSource("quickbase", cfg)
//	_ = source.Initialize(context.Background(), cfg)
//	stream, _ := source.Read(context.Background())
//	for record := range stream.Records {
//	    // deliver record downstream
//	    record.Release()
//	}
//
// The qbridge CLI (cmd/qbridge) wraps the same flow with discover and
// extract commands, YAML configuration, and a JSON state file.
package qbridge
