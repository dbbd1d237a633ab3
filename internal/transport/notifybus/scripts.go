// ABOUTME: Embedded helper scripts staged at adapter construction.
// ABOUTME: Poster runs once per emit; listener is long-lived and supervised.

package notifybus

// posterScript posts one payload file as a distributed notification.
// Invocation: poster <payload-file> <notification-name>
const posterScript = `#!/usr/bin/osascript -l JavaScript
// Posts a context payload on the distributed notification center.
ObjC.import('Foundation')
function run(argv) {
	var payload = $.NSString.stringWithContentsOfFileEncodingError(
		argv[0], $.NSUTF8StringEncoding, null)
	var info = $.NSDictionary.dictionaryWithObjectForKey(payload, 'payload')
	$.NSDistributedNotificationCenter.defaultCenter
		.postNotificationNameObjectUserInfoDeliverImmediately(
			argv[1], 'coven-context', info, true)
}
`

// listenerScript observes the given notification names and writes each
// received payload into the spool directory. Files are written to a dotfile
// first and renamed so the tailer never reads a partial payload.
// Invocation: listener <spool-dir> <notification-name>...
const listenerScript = `#!/usr/bin/osascript -l JavaScript
// Long-lived listener: spools distributed notification payloads as files.
ObjC.import('Foundation')
function run(argv) {
	var spool = argv[0]
	var center = $.NSDistributedNotificationCenter.defaultCenter
	var handler = function(note) {
		var payload = note.userInfo.objectForKey('payload')
		if (payload.isNil()) return
		var name = 'recv-' + Date.now() + '-' + Math.floor(Math.random() * 1e6) + '.json'
		var tmp = spool + '/.' + name
		payload.writeToFileAtomicallyEncodingError(tmp, true, $.NSUTF8StringEncoding, null)
		$.NSFileManager.defaultManager.moveItemAtPathToPathError(tmp, spool + '/' + name, null)
	}
	for (var i = 1; i < argv.length; i++) {
		center.addObserverForNameObjectQueueUsingBlock(argv[i], undefined, undefined, handler)
	}
	$.NSRunLoop.currentRunLoop.run
}
`
