// Package flow loads a flow definition from HCL.
//
// A flow file declares the settings of a workspace, its license classes,
// its source artifacts, the base constraints, and the stages:
//
//	settings {
//	  max_parallel     = 4
//	  resource_timeout = "45m"
//	}
//
//	license "synth" { slots = 1 }
//
//	source "rtl" { path = "rtl" }
//
//	constraints {
//	  clock_period_ns = 2.5
//	}
//
//	stage "synthesis" {
//	  inputs = ["rtl"]
//	  output "netlist" { path = "build/synth/netlist.v" }
//	  backend {
//	    command = "yosys -q -o ${output.netlist} ${input.rtl}/top.v"
//	    license = "synth"
//	  }
//	}
//
// The schema is closed: unknown blocks and attributes are errors.
package flow
