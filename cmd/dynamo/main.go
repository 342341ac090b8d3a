// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/cellvelocity/dynamo"

func main() {
	dynamo.Main()
}
