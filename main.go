// SPDX-License-Identifier: MPL-2.0

package main

import cmd "matrixci/cmd/matrixci"

func main() {
	cmd.Execute()
}
