// Package bootstrap provides application initialization and lifecycle management.
// It extracts the initialization logic from main.go into testable, composable components.
//
// Usage:
//
//	app, err := bootstrap.NewApp(configFile)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Wait for a signal or for the event loop to stop
//	app.WaitForShutdown(ctx)
package bootstrap
