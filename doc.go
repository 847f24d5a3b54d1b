// Copyright (c) 2025 The bitcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
bitcoind is a full-node bitcoin block storage and chainstate bootstrap
implementation written in Go.

The default options are sane for most users.  This means bitcoind will work
'out of the box' for most users.  However, there are also a wide variety of
flags that can be used to control it.

The following section provides a usage overview which enumerates the flags.  An
interesting point to note is that the long form of all of these options
(except -C) can be specified in a configuration file that is automatically
parsed when bitcoind starts up.  By default, the configuration file is located
at ~/.bitcoin/bitcoin.conf on POSIX-style operating systems and
%LOCALAPPDATA%\Bitcoin\bitcoin.conf on Windows.  The -C (--configfile) flag,
as shown below, can be used to override this location.

Usage:

	bitcoind [OPTIONS]

Application Options:

	-V, --version            Display version information and exit
	-C, --configfile=        Path to configuration file
	-A, --appdata=           Path to application home directory
	-b, --datadir=           Directory to store data
	    --logdir=            Directory to log output
	    --nofilelogging      Disable file logging
	    --testnet            Use the test network
	    --simnet             Use the simulation test network
	    --regtest            Use the regression test network
	-d, --debuglevel=        Logging level for all subsystems {trace, debug,
	                         info, warn, error, critical} -- You may also
	                         specify <subsystem>=<level>,... to set the log
	                         level for individual subsystems -- Use show to
	                         list available subsystems
	    --reindex            Rebuild the block index from the block files on
	                         disk
	    --reindex-chainstate Rebuild the chain state from the currently
	                         indexed blocks
	    --prune=             Reduce storage requirements by deleting old
	                         blocks.  Value is the target size in MiB to use
	                         for block files.  Minimum 550.  0 disables
	                         pruning
	    --checkblocks=       How many recent blocks to verify at startup
	    --checklevel=        How thorough the startup block verification is
	                         (0-4)
	    --fastprune          Use small block files and a small prune floor.
	                         Testing only
	    --loadblock=         Import blocks from the specified file on startup
	    --dbcache=           Chain state database cache size in MiB

Help Options:

	-h, --help           Show this help message
*/
package main
