// Package service is the vbox-robot application.
//
// A Service logs on to the VirtualBox web service, keeps the web session
// alive and serves two HTTP APIs:
//
//   - the robot API, GET /vm/{vm}/api/{call}?data=[...]&callback=cb, driving
//     the pointer and the keyboard of a registered virtual machine and
//     calibrating the browser overlay. Answers are {success, result}
//     envelopes, wrapped in a script callback when asked to.
//   - the management API, POST / to clone or attach a virtual machine,
//     POST /vm/{vm}/run to run a program in the guest and
//     POST /vm/{vm}/close to release it. It is protected by basic
//     authentication when credentials are configured.
//
// Calibration screenshots are analysed by a Calibrator, normally a pool of
// worker processes, so that image processing never delays the input of the
// other virtual machines.
//
//	 HTTP         Service              Calibrator         vm.Session
//	  |  calibrate   |                      |                  |
//	  |------------->| ResetMouse, settle   |                  |
//	  |              |---------------------------------------->|
//	  |              | Screenshot           |                  |
//	  |              |<----------------------------------------|
//	  |              | Do(task)             |                  |
//	  |              |--------------------->|                  |
//	  |              |<------ offset -------|                  |
//	  |<-- result ---|                      |                  |
//
// Closing the service stops the HTTP server, closes every registered
// virtual machine, the calibrator and finally logs off.
package service
