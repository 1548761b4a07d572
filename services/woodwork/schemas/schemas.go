// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package schemas embeds the JSON schemas for entity create payloads.
// Top level schemas sit in this directory, shared definitions in refs/.
package schemas

import "embed"

// FS holds the embedded schema files.
//
//go:embed *.json refs/*.json
var FS embed.FS
