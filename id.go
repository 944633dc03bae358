package coord

import "github.com/zral/coord/id"

// ID is the primary identifier type for all coord entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
