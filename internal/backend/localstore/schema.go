package localstore

// schema mirrors the shape of the real Nix sqlite database (ValidPaths +
// Refs tables), reduced to the columns this daemon actually populates. It
// is the on-disk system of record for storepath.ValidPathInfo; badger holds
// the hash-part cache, which can be rebuilt from it, plus the temp-root and
// GC-root bookkeeping, which is not recorded here.
const schema = `
CREATE TABLE IF NOT EXISTS ValidPaths (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	path             TEXT UNIQUE NOT NULL,
	hash             TEXT NOT NULL,
	registrationTime INTEGER NOT NULL,
	deriver          TEXT,
	narSize          INTEGER NOT NULL,
	ultimate         INTEGER NOT NULL,
	sigs             TEXT,
	ca               TEXT
);

CREATE TABLE IF NOT EXISTS Refs (
	referrer  INTEGER NOT NULL,
	reference INTEGER NOT NULL,
	PRIMARY KEY (referrer, reference),
	FOREIGN KEY (referrer)  REFERENCES ValidPaths(id) ON DELETE CASCADE,
	FOREIGN KEY (reference) REFERENCES ValidPaths(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS IndexReferrer  ON Refs(referrer);
CREATE INDEX IF NOT EXISTS IndexReference ON Refs(reference);

CREATE TABLE IF NOT EXISTS DerivationOutputs (
	id    TEXT PRIMARY KEY,
	path  TEXT NOT NULL
);
`
