/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon"
)

func main() {

	// Define command-line parameters

	var configFilename string
	flag.StringVar(&configFilename, "config", "", "configuration input file")

	var embeddedServerEntryListFilename string
	flag.StringVar(&embeddedServerEntryListFilename, "serverList", "", "embedded server entry list input file")

	var formatNotices bool
	flag.BoolVar(&formatNotices, "formatNotices", false, "emit notices in human-readable format")

	var listenInterface string
	flag.StringVar(&listenInterface, "listenInterface", "", "bind local proxies to specified IP address")

	var noticeFilename string
	flag.StringVar(&noticeFilename, "notices", "", "notices output file (defaults to stderr)")

	var rotatingFilename string
	flag.StringVar(&rotatingFilename, "rotating", "", "rotating notices output file")

	var rotatingFileSize int
	flag.IntVar(&rotatingFileSize, "rotatingFileSize", 1<<20, "rotating notices file size")

	var version bool
	flag.BoolVar(&version, "version", false, "print version and exit")
	flag.BoolVar(&version, "v", false, "print version and exit")

	flag.Parse()

	if version {
		fmt.Printf("Psiphon Connect Console Client %s\n", psiphon.VERSION)
		os.Exit(0)
	}

	// Initialize notice output

	var noticeWriter io.Writer
	noticeWriter = os.Stderr

	if noticeFilename != "" {
		noticeFile, err := os.OpenFile(noticeFilename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			fmt.Printf("error opening notice file: %s\n", err)
			os.Exit(1)
		}
		defer noticeFile.Close()
		noticeWriter = noticeFile
	}

	if formatNotices {
		noticeWriter = psiphon.NewNoticeConsoleRewriter(noticeWriter)
	}
	psiphon.SetNoticeWriter(noticeWriter)

	err := psiphon.SetNoticeFiles(rotatingFilename, rotatingFileSize)
	if err != nil {
		fmt.Printf("error initializing notice files: %s\n", err)
		os.Exit(1)
	}

	os.Exit(run(configFilename, embeddedServerEntryListFilename, listenInterface))
}

// run returns the process exit code. Deferred cleanup runs before exit.
func run(configFilename, embeddedServerEntryListFilename, listenInterface string) int {

	// Handle required config file parameter

	// Emit diagnostics when config related errors occur, before the config
	// value of EmitDiagnosticNotices is known.

	if configFilename == "" {
		psiphon.SetEmitDiagnosticNotices(true)
		psiphon.NoticeError("configuration file is required")
		return 1
	}
	configFileContents, err := os.ReadFile(configFilename)
	if err != nil {
		psiphon.SetEmitDiagnosticNotices(true)
		psiphon.NoticeError("error loading configuration file: %s", err)
		return 1
	}
	config, err := psiphon.LoadConfig(configFileContents)
	if err != nil {
		psiphon.SetEmitDiagnosticNotices(true)
		psiphon.NoticeError("error processing configuration file: %s", err)
		return 1
	}

	if listenInterface != "" {
		config.ListenInterface = listenInterface
	}
	if embeddedServerEntryListFilename != "" {
		config.EmbeddedServerEntryListFilename = embeddedServerEntryListFilename
	}

	// All config fields should be set before calling Commit.

	err = config.Commit()
	if err != nil {
		psiphon.SetEmitDiagnosticNotices(true)
		psiphon.NoticeError("error loading configuration file: %s", err)
		return 1
	}
	psiphon.SetEmitDiagnosticNotices(config.EmitDiagnosticNotices)

	// Initialize data store

	err = psiphon.OpenDataStore(config)
	if err != nil {
		psiphon.NoticeError("error initializing datastore: %s", err)
		return 1
	}
	defer psiphon.CloseDataStore()

	// Register transports. Server lists are loaded from the data store, so
	// registration follows OpenDataStore.

	registry, err := psiphon.RegisterTransports(config)
	if err != nil {
		psiphon.NoticeError("error registering transports: %s", err)
		return 1
	}
	defer registry.Shutdown()

	// Run the controller

	stopSignal := psiphon.NewStopSignal()

	controller, err := psiphon.NewController(config, registry, stopSignal)
	if err != nil {
		psiphon.NoticeError("error creating controller: %s", err)
		return 1
	}

	controllerDone := make(chan error, 1)
	go func() {
		controllerDone <- controller.Run()
	}()

	systemStopSignal := make(chan os.Signal, 1)
	signal.Notify(systemStopSignal, os.Interrupt, syscall.SIGTERM)

	// Wait for an OS signal or for the controller to stop, then exit

	select {
	case <-systemStopSignal:
		psiphon.NoticeInfo("shutdown by system")
		stopSignal.SignalStop(psiphon.STOP_REASON_EXIT)
		err = <-controllerDone
	case err = <-controllerDone:
		psiphon.NoticeInfo("shutdown by controller")
	}

	psiphon.NoticeExiting()

	if err != nil {
		return 1
	}
	return 0
}
