// Package pathdb is a pure Go embedded transactional key-value store.
//
// pathdb is a single memory-mapped file holding a copy-on-write B+ tree.
// Readers never block and never take a lock: each read transaction pins
// a snapshot by txnid and walks pages through the mmap directly, so a
// writer committing concurrently never disturbs a reader already in
// flight. Only one write transaction may be open at a time; it serializes
// against other writers with an interprocess lock (or an in-process
// mutex, under IntraProcessLock) and commits by copying on write: every
// page on the path to a modified leaf is copied before being changed, and
// durability is handed off atomically by writing whichever of the two
// meta pages is not currently live.
//
// Basic usage:
//
//	env, err := pathdb.Open("/path/to/db.pdb", pathdb.Create, 0644)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer env.Close()
//
//	err = env.Update(func(txn *pathdb.Txn) error {
//	    return txn.Put([]byte("key"), []byte("value"))
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	err = env.View(func(txn *pathdb.Txn) error {
//	    val, err := txn.Get([]byte("key"))
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(string(val))
//	    return nil
//	})
package pathdb
